package textify

import (
	"bytes"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// sanitizer strips scripts, styles, event handlers, and anything else that
// is not document content before markdown conversion.
var sanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td", "caption")
	return p
}()

// mdConverter is shared; converter.Convert is safe for concurrent use.
var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// fromHTML sanitizes an HTML document and converts it to markdown text,
// keeping tables — rate tables in official publications carry the values
// the extractor needs.
func fromHTML(body []byte) (*Result, error) {
	title := htmlTitle(body)

	clean := sanitizer.SanitizeBytes(body)
	md, err := mdConverter.ConvertString(string(clean))
	if err != nil {
		return nil, err
	}

	return &Result{
		Title: title,
		Text:  CleanText(md),
	}, nil
}

// htmlTitle extracts the <title> text, or "" when absent or unparseable.
func htmlTitle(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return findTitle(doc)
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
