package upload

import (
	"fmt"
	"strings"

	"realtyhub/pkg/domain"
)

// Limits caps an incoming image batch. Built once from config at startup and
// passed by reference; never re-read per request.
type Limits struct {
	MaxFiles         int
	MaxBytes         int64
	AllowedMIMETypes []string
}

// Verdict is the validation outcome for a single file.
type Verdict struct {
	Index  int
	Name   string
	OK     bool
	Reason string
}

// BatchResult aggregates per-file verdicts into an accept/reject decision for
// the whole batch. Accepted holds the files to upload, in input order, when
// OK is true.
type BatchResult struct {
	OK       bool
	Verdicts []Verdict
	Details  []string
	Accepted []domain.ImageFile
}

// Validate checks an in-memory file set against the configured limits. It is
// pure: no I/O, no side effects, same input always yields the same result.
//
// Zero-byte files are treated as absent multipart slots and dropped before
// any check. A batch larger than MaxFiles is rejected outright, before and
// instead of per-file checks.
func Validate(files []domain.ImageFile, limits Limits) BatchResult {
	present := make([]domain.ImageFile, 0, len(files))
	for _, f := range files {
		if f.Size == 0 && len(f.Bytes) == 0 {
			continue
		}
		present = append(present, f)
	}

	if limits.MaxFiles > 0 && len(present) > limits.MaxFiles {
		detail := fmt.Sprintf("too many files: %d supplied, maximum is %d", len(present), limits.MaxFiles)
		return BatchResult{OK: false, Details: []string{detail}}
	}

	result := BatchResult{OK: true}
	for i, f := range present {
		verdict := Verdict{Index: i, Name: f.Name, OK: true}
		switch {
		case limits.MaxBytes > 0 && f.Size > limits.MaxBytes:
			verdict.OK = false
			verdict.Reason = fmt.Sprintf("%s: file size %d exceeds maximum of %d bytes", f.Name, f.Size, limits.MaxBytes)
		case !mimeTypeAllowed(f.MIMEType, limits.AllowedMIMETypes):
			verdict.OK = false
			verdict.Reason = fmt.Sprintf("%s: file type %s is not allowed (allowed: %s)",
				f.Name, f.MIMEType, strings.Join(limits.AllowedMIMETypes, ", "))
		}
		result.Verdicts = append(result.Verdicts, verdict)
		if !verdict.OK {
			result.OK = false
			result.Details = append(result.Details, verdict.Reason)
		}
	}
	if result.OK {
		result.Accepted = present
	}
	return result
}

func mimeTypeAllowed(mimeType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, a := range allowed {
		if mimeType == strings.ToLower(strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}
