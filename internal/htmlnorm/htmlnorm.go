// Package htmlnorm reduces fetched HTML to a stable, parser-friendly
// form before extraction. Normalization is pure and idempotent, so
// cached and fresh payloads converge on identical bytes.
package htmlnorm

import (
	"strings"

	"golang.org/x/net/html"
)

// Elements whose entire subtree carries nothing the parsers need.
var droppedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"template": true,
}

// Attributes retained on every element. data-* attributes are also
// kept. "tag" is nonstandard but carries the AERC ride id.
var keptAttrs = map[string]bool{
	"href":  true,
	"src":   true,
	"id":    true,
	"class": true,
	"name":  true,
	"value": true,
	"type":  true,
	"alt":   true,
	"tag":   true,
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

// Normalize strips scripts, styles, comments, tracking pixels, and
// non-semantic attributes, and collapses runs of spaces and tabs while
// preserving line structure. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw []byte) ([]byte, error) {
	z := html.NewTokenizer(strings.NewReader(string(raw)))

	var b strings.Builder
	var skipDepth int
	var skipTag string

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF ends the document; tokenizer errors on malformed
			// input are tolerated the same way browsers tolerate them.
			return []byte(strings.TrimSpace(b.String())), nil

		case html.CommentToken, html.DoctypeToken:
			continue

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := tok.Data

			if skipDepth > 0 {
				if tt == html.StartTagToken && name == skipTag {
					skipDepth++
				}
				continue
			}
			if droppedElements[name] {
				if tt == html.StartTagToken {
					skipDepth = 1
					skipTag = name
				}
				continue
			}
			if name == "img" && isTrackingPixel(tok.Attr) {
				continue
			}

			writeTag(&b, name, tok.Attr, voidElements[name] || tt == html.SelfClosingTagToken)

		case html.EndTagToken:
			tok := z.Token()
			if skipDepth > 0 {
				if tok.Data == skipTag {
					skipDepth--
				}
				continue
			}
			if droppedElements[tok.Data] || voidElements[tok.Data] {
				continue
			}
			b.WriteString("</")
			b.WriteString(tok.Data)
			b.WriteByte('>')

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			b.WriteString(html.EscapeString(collapseSpace(z.Token().Data)))
		}
	}
}

// NormalizeString is Normalize for string payloads.
func NormalizeString(raw string) (string, error) {
	out, err := Normalize([]byte(raw))
	return string(out), err
}

func writeTag(b *strings.Builder, name string, attrs []html.Attribute, selfClose bool) {
	b.WriteByte('<')
	b.WriteString(name)
	for _, a := range attrs {
		if !keptAttrs[a.Key] && !strings.HasPrefix(a.Key, "data-") {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
	if selfClose && !voidElements[name] {
		b.WriteByte('/')
	}
	b.WriteByte('>')
}

// isTrackingPixel reports whether an img is a 1x1 (or 0x0) beacon.
func isTrackingPixel(attrs []html.Attribute) bool {
	var w, h string
	for _, a := range attrs {
		switch a.Key {
		case "width":
			w = strings.TrimSpace(a.Val)
		case "height":
			h = strings.TrimSpace(a.Val)
		}
	}
	return (w == "1" || w == "0") && (h == "1" || h == "0")
}

// collapseSpace squeezes runs of spaces and tabs to one space while
// keeping line breaks, so labeled rows stay distinguishable downstream.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var lastSpace, lastNewline bool
	for _, r := range s {
		switch r {
		case '\n', '\r':
			if !lastNewline {
				b.WriteByte('\n')
			}
			lastNewline = true
			lastSpace = false
		case ' ', '\t', '\u00a0':
			if !lastSpace && !lastNewline {
				b.WriteByte(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
			lastNewline = false
		}
	}
	return b.String()
}
