package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxFileNameLength bounds sanitized file names, extension included.
const DefaultMaxFileNameLength = 128

// FallbackFileName replaces names that sanitize to nothing.
const FallbackFileName = "image"

var unsafeFileNameChars = strings.NewReplacer(
	`\`, "",
	"/", "",
	":", "",
	"*", "",
	"?", "",
	`"`, "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName strips characters that are unsafe on common filesystems,
// keeps a real extension (split at the last interior dot), and truncates the
// base so the result is at most maxLen runes. A non-positive maxLen selects
// DefaultMaxFileNameLength. Applying it twice yields the same result.
func SanitizeFileName(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxFileNameLength
	}
	// Normalize after stripping: a removed character can leave a mark that
	// only composes on a later pass.
	cleaned := strings.TrimSpace(unsafeFileNameChars.Replace(name))
	cleaned = strings.TrimSpace(norm.NFC.String(cleaned))
	if cleaned == "" {
		return FallbackFileName
	}

	base, ext := SplitExtension(cleaned)
	extLen := utf8.RuneCountInString(ext)
	if extLen >= maxLen {
		base, ext, extLen = cleaned, "", 0
	}

	allow := maxLen - extLen
	if allow < 1 {
		allow = 1
	}
	if utf8.RuneCountInString(base) > allow {
		base = strings.TrimRightFunc(truncateRunes(base, allow), unicode.IsSpace)
	}
	if base == "" {
		base = FallbackFileName
	}

	out := base + ext
	if utf8.RuneCountInString(out) > maxLen {
		out = strings.TrimRightFunc(truncateRunes(out, maxLen), unicode.IsSpace)
	}
	return out
}

// SplitExtension splits name at its last interior dot. A leading or trailing
// dot does not count as an extension separator.
func SplitExtension(name string) (base, ext string) {
	lastDot := strings.LastIndex(name, ".")
	if lastDot <= 0 || lastDot >= len(name)-1 {
		return name, ""
	}
	return name[:lastDot], name[lastDot:]
}

// ContainsUnsafeFileNameChars reports whether name still holds a character
// SanitizeFileName would strip.
func ContainsUnsafeFileNameChars(name string) bool {
	return strings.ContainsAny(name, `\/:*?"<>|`)
}

// truncateRunes keeps at most limit runes of value, backing off to a
// normalization boundary so a kept base character never loses its marks.
func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for idx := range value {
		if count == limit {
			return value[:boundaryBefore(value, idx)]
		}
		count++
	}
	return value
}

func boundaryBefore(value string, idx int) int {
	for idx > 0 && norm.NFC.FirstBoundaryInString(value[idx:]) != 0 {
		_, size := utf8.DecodeLastRuneInString(value[:idx])
		idx -= size
	}
	return idx
}
