package extract

import (
	"math"
	"regexp"
	"strings"
)

var (
	reTextDate     = regexp.MustCompile(`\b(20\d{2}[-/.]\d{1,2}[-/.]\d{1,2}|\d{1,2}[-/.]\d{1,2}[-/.]20\d{2})\b`)
	reTextCurrency = regexp.MustCompile(`\b(usd|eur|gbp|cad|aud|inr|jpy)\b|[$£€]`)
	reTextAmount   = regexp.MustCompile(`\b\d{1,3}(,\d{3})*\.\d{2}\b|\b\d+\.\d{2}\b`)
	reTextTotal    = regexp.MustCompile(`\b(total|amount due|balance)\b`)
)

// estimateConfidence scores an engine result that came without a confidence of its own.
// It rewards receipt-looking text and fields that were actually extracted.
func estimateConfidence(res Result) float64 {
	text := strings.ToLower(res.RawText)
	score := 0.2
	if reTextDate.MatchString(text) {
		score += 0.1
	}
	if reTextCurrency.MatchString(text) {
		score += 0.05
	}
	if reTextAmount.MatchString(text) {
		score += 0.1
	}
	if reTextTotal.MatchString(text) {
		score += 0.05
	}
	if len(text) > 120 {
		score += 0.05
	}
	if res.Vendor != nil {
		score += 0.15
	}
	if res.Total != nil {
		score += 0.2
	}
	if res.Date != nil {
		score += 0.1
	}
	return math.Round(math.Min(score, 0.95)*100) / 100
}
