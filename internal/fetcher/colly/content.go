package collyfetcher

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

const (
	// contentSelector picks the landmark holding the page's main text.
	contentSelector  = "main, article, div.main-content"
	fallbackSelector = "h1, h2, h3, h4, p, li"
)

// contentExtractor turns the main landmark of a page into markdown text.
type contentExtractor struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
}

func newContentExtractor() *contentExtractor {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("main", "article", "section")
	return &contentExtractor{
		policy: policy,
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// text converts contentHTML to markdown. When there is no landmark or the
// conversion yields nothing, the fallback blocks are joined instead.
func (c *contentExtractor) text(contentHTML string, blocks []string, pageURL string) string {
	fallback := strings.Join(blocks, "\n")
	if strings.TrimSpace(contentHTML) == "" {
		return fallback
	}
	clean := c.policy.Sanitize(contentHTML)
	md, err := c.converter.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return fallback
	}
	return strings.TrimSpace(md)
}
