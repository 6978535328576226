package constants

import "strings"

// DefaultMaxUploadBytes is the default payload ceiling for a single receipt file (10 MiB).
const DefaultMaxUploadBytes int64 = 10 << 20

// AllowedMediaTypes holds the media types accepted for receipt ingestion.
var AllowedMediaTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"image/tiff":      {},
	"application/pdf": {},
}

// MediaTypeByExtension maps a normalized extension to its media type.
var MediaTypeByExtension = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"pdf":  "application/pdf",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NormalizeMediaType strips parameters, lowercases, and folds the non-standard image/jpg alias.
func NormalizeMediaType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// IsAllowedMediaType checks mt against AllowedMediaTypes after normalization.
func IsAllowedMediaType(mt string) bool {
	_, ok := AllowedMediaTypes[NormalizeMediaType(mt)]
	return ok
}
