package dataset

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxIDNameLen = 20

// CleanString replaces every character that is not a letter, digit, '-' or
// '_' with '_'.
func CleanString(s string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
}

// NewDatasetID builds "<clean name, at most 20 chars>_<10 random chars>".
func NewDatasetID(name string) string {
	clean := CleanString(name)
	if len(clean) > maxIDNameLen {
		clean = clean[:maxIDNameLen]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return clean + "_" + suffix
}
