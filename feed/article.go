package feed

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/coinpulse/newswire/errors"
)

var tagPattern = regexp.MustCompile(`</?[^>]+>`)

// Extractor pulls the main article text out of a linked page. It tries
// the semantic <article> element first, then the common
// "div.post-content" container used by the feeds this system ingests.
type Extractor struct {
	client *http.Client
}

// NewExtractor builds an extractor. A nil client gets a 20s-timeout
// default.
func NewExtractor(client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Extractor{client: client}
}

// Extract fetches url and returns the cleaned article text.
func (e *Extractor) Extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "Extractor", "Extract", "build request")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "Extractor", "Extract", "fetch page")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.WrapTransient(
			fmt.Errorf("unexpected status %d", resp.StatusCode),
			"Extractor", "Extract", "fetch page")
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", errors.WrapInvalid(err, "Extractor", "Extract", "parse html")
	}

	for _, selector := range []string{"article", "div.post-content"} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return cleanArticleText(sel.Text()), nil
		}
	}

	return "", errors.WrapInvalid(
		fmt.Errorf("no article content found"),
		"Extractor", "Extract", "select content")
}

// cleanArticleText strips leftover markup fragments, drops pipe
// separators, and collapses whitespace.
func cleanArticleText(content string) string {
	content = tagPattern.ReplaceAllString(content, "")
	content = strings.ReplaceAll(content, "|", "")
	return strings.Join(strings.Fields(content), " ")
}
