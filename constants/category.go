package constants

import (
	"strings"
)

type Category string

const (
	Supplies      Category = "Supplies"
	Food          Category = "Food"
	Events        Category = "Events"
	Travel        Category = "Travel"
	Equipment     Category = "Equipment"
	Utilities     Category = "Utilities"
	Maintenance   Category = "Maintenance"
	Outreach      Category = "Outreach"
	Printing      Category = "Printing"
	Subscriptions Category = "Subscriptions"
	Other         Category = "Other"
)

var allCategories = []Category{
	Supplies,
	Food,
	Events,
	Travel,
	Equipment,
	Utilities,
	Maintenance,
	Outreach,
	Printing,
	Subscriptions,
	Other,
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// Canonicalize maps free text onto a known category. ok is false when nothing matched,
// in which case Other is returned.
func Canonicalize(input string) (Category, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	// synonyms map
	synonyms := map[string]Category{
		"groceries":     Food,
		"meals":         Food,
		"catering":      Food,
		"office":        Supplies,
		"stationery":    Supplies,
		"gas":           Travel,
		"mileage":       Travel,
		"hotel":         Travel,
		"repairs":       Maintenance,
		"copies":        Printing,
		"software":      Subscriptions,
		"subscription":  Subscriptions,
		"electric":      Utilities,
		"water":         Utilities,
		"missions":      Outreach,
		"fundraiser":    Events,
		"event":         Events,
		"uncategorized": Other,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	// check if it matches any category string
	for _, cat := range allCategories {
		if normalized == strings.ToLower(string(cat)) {
			return cat, true
		}
	}

	return Other, false
}
