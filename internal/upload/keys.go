package upload

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	keyPrefix  = "property-images"
	defaultExt = ".jpg"
)

// BuildObjectKey derives a collision-resistant object-store key for one
// image: property-images/{userPrefix}{timestamp}-{random}-{stem}{ext}.
// The stem is the original filename reduced to alphanumerics so a caller
// cannot smuggle path separators or traversal sequences into the key.
func BuildObjectKey(userID int64, filename string, now time.Time) string {
	userPrefix := ""
	if userID > 0 {
		userPrefix = fmt.Sprintf("user-%d/", userID)
	}
	base := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "." || ext == "" {
		ext = defaultExt
	}
	stem := sanitizeStem(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" {
		stem = "image"
	}
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s/%s%d-%s-%s%s", keyPrefix, userPrefix, now.UTC().UnixMilli(), random, stem, ext)
}

func sanitizeStem(stem string) string {
	var b strings.Builder
	b.Grow(len(stem))
	for _, r := range stem {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
