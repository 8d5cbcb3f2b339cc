package utils

import (
	"html"
	"path"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strictSanitizer = bluemonday.StrictPolicy()

// SanitizeFileName turns a client supplied file name into something safe to
// echo back in JSON and render on the landing page: no directories, no
// markup, no control characters.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	// Decode entities first so encoded markup is stripped like literal markup.
	// StrictPolicy escapes its output; decode once more so "a&b.png" stays
	// readable, and drop any angle bracket a nested encoding left behind.
	name = html.UnescapeString(strictSanitizer.Sanitize(html.UnescapeString(name)))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '<' || r == '>' {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}
