package cardscan

import (
	"net/url"
	"strings"
)

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

// Slugify converts a title to a filename-safe slug. German umlauts are
// transliterated.
func Slugify(s string) string {
	s = umlauts.Replace(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	prev := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
				prev = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ThumbURL is the preview URL of an image in the current tray.
func ThumbURL(id string) string {
	return "/images/" + url.PathEscape(id) + "/thumb"
}
