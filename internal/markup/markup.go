// Package markup converts Bitrix bracket-tag comment markup into HTML.
//
// The conversion is a tag-by-tag rewrite, not a parser: content outside tags
// is passed through unescaped, and unpaired tags are emitted as they are.
package markup

import (
	"regexp"
	"strings"
	"unicode"
)

var tagPattern = regexp.MustCompile(`\[(/?[^\[\]]+)\]`)

// Translate rewrites bracket tags in text into HTML.
func Translate(text string) string {
	text = strings.ReplaceAll(text, "\n", "</br>\n")
	return tagPattern.ReplaceAllStringFunc(text, func(match string) string {
		return rewriteTag(match[1 : len(match)-1])
	})
}

// rewriteTag maps the inside of one [tag] to its HTML form.
func rewriteTag(tag string) string {
	name, value, hasValue := strings.Cut(tag, "=")
	upper := strings.ToUpper(name)

	switch {
	case upper == "/URL":
		return "</a>"
	case upper == "URL" && hasValue:
		return `<a href="` + value + `">`
	case upper == "/FONT", upper == "/SIZE", upper == "/COLOR":
		return "</span>"
	case upper == "FONT" && hasValue:
		return `<span style="font: ` + value + `">`
	case upper == "SIZE" && hasValue:
		return `<span style="font-size: ` + value + `">`
	case upper == "COLOR" && hasValue:
		return `<span style="color: ` + value + `">`
	case upper == "/IMG":
		return `"/>`
	case isImage(tag):
		if attrs := strings.TrimSpace(tag[len("IMG"):]); attrs != "" {
			return "<img " + attrs + ` src="`
		}
		return `<img src="`
	case upper == "/TABLE":
		return "</table>"
	case upper == "TABLE":
		return "<table>"
	}
	return "<" + tag + ">"
}

// isImage matches IMG alone or followed by whitespace and attributes, so
// tags such as [IMGUR] are left alone.
func isImage(tag string) bool {
	if len(tag) < len("IMG") || !strings.EqualFold(tag[:len("IMG")], "IMG") {
		return false
	}
	rest := tag[len("IMG"):]
	return rest == "" || unicode.IsSpace(rune(rest[0]))
}
