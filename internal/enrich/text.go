package enrich

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxTextLen bounds the page text handed to the extractor.
const maxTextLen = 20000

// PlainText flattens a page to whitespace-normalized text for the
// extractor prompt.
func PlainText(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, svg").Remove()

	text := doc.Text()
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	return text, nil
}
