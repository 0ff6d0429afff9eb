// Package textify turns raw captured evidence into clean, size-bounded text
// suitable for fact extraction.
//
// HTML is sanitized and converted to markdown, PDFs go through content-stream
// text extraction, JSON and plain text pass through. The raw evidence bytes
// are never modified — textify produces a derived artifact.
package textify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Class is the coarse content classification used to pick an extractor.
type Class string

const (
	ClassHTML Class = "html"
	ClassPDF  Class = "pdf"
	ClassJSON Class = "json"
	ClassXML  Class = "xml"
	ClassText Class = "text"
)

// Result is the cleaned-text artifact derived from one evidence record.
type Result struct {
	Title string
	Text  string
	Class Class
	// Truncated is set when the text was cut at the size bound.
	Truncated bool
}

// Options configures Textify.
type Options struct {
	// MaxChars bounds the output text length. Default: 60000.
	MaxChars int
}

func (o *Options) defaults() {
	if o.MaxChars <= 0 {
		o.MaxChars = 60_000
	}
}

// Classify derives a content class from the declared content type, falling
// back to byte sniffing for missing or generic declarations.
func Classify(contentType string, body []byte) Class {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return ClassHTML
	case strings.Contains(ct, "pdf"):
		return ClassPDF
	case strings.Contains(ct, "json"):
		return ClassJSON
	case strings.Contains(ct, "xml"):
		return ClassXML
	case strings.HasPrefix(ct, "text/"):
		return ClassText
	}

	trimmed := strings.TrimSpace(string(bound(body, 512)))
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "%pdf-"):
		return ClassPDF
	case strings.HasPrefix(lower, "<!doctype html"), strings.HasPrefix(lower, "<html"):
		return ClassHTML
	case strings.HasPrefix(lower, "<?xml"), strings.HasPrefix(lower, "<rss"), strings.HasPrefix(lower, "<feed"):
		return ClassXML
	case strings.HasPrefix(trimmed, "{"), strings.HasPrefix(trimmed, "["):
		return ClassJSON
	}
	return ClassText
}

// Textify produces the cleaned text for a raw body of the given content type.
func Textify(body []byte, contentType string, opts Options) (*Result, error) {
	opts.defaults()
	class := Classify(contentType, body)

	var res *Result
	var err error
	switch class {
	case ClassHTML:
		res, err = fromHTML(body)
	case ClassPDF:
		res, err = fromPDF(body)
	default:
		res = &Result{Text: CleanText(string(body)), Class: class}
	}
	if err != nil {
		return nil, fmt.Errorf("textify %s: %w", class, err)
	}
	res.Class = class

	if utf8.RuneCountInString(res.Text) > opts.MaxChars {
		runes := []rune(res.Text)
		res.Text = string(runes[:opts.MaxChars])
		res.Truncated = true
	}
	return res, nil
}

// CleanText normalizes line endings, strips control characters, and collapses
// runs of blank lines.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		line = stripControl(line)
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			b.WriteByte('\n')
			continue
		}
		blank = 0
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func bound(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
