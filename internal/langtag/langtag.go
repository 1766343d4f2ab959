// Package langtag guesses a short language tag for document text.
package langtag

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Unknown is returned for blank text or when no language can be identified.
const Unknown = "unknown"

// Detect returns an ISO 639-1 code such as "en", or Unknown.
func Detect(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unknown
	}
	info := whatlanggo.Detect(text)
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return Unknown
}
