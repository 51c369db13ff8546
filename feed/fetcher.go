package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/pkg/timestamp"
)

// Source describes one polled feed.
type Source struct {
	// Name is the source identifier used in subjects and leases,
	// e.g. "coindesk". Required, token-safe after sanitization.
	Name string `json:"name"`
	// URL is the RSS/Atom endpoint.
	URL string `json:"url"`
	// Category overrides the per-item category when the feed doesn't
	// carry one.
	Category string `json:"category,omitempty"`
	// MaxItems bounds how many entries are taken per poll (default 100).
	MaxItems int `json:"max_items,omitempty"`
	// ExtractArticles enables full-article extraction for this source.
	ExtractArticles bool `json:"extract_articles,omitempty"`
}

const defaultMaxItems = 100

// Fetcher polls feed sources over HTTP and converts entries into Items.
type Fetcher struct {
	client    *http.Client
	parser    *gofeed.Parser
	extractor *Extractor
	logger    *slog.Logger
}

// NewFetcher builds a fetcher. A nil client gets a 20s-timeout default.
func NewFetcher(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.Default().With("component", "feed-fetcher")
	}
	parser := gofeed.NewParser()
	parser.Client = client
	return &Fetcher{
		client:    client,
		parser:    parser,
		extractor: NewExtractor(client),
		logger:    logger,
	}
}

// FetchSince returns the source's entries published strictly after the
// watermark (Unix ms), oldest first so per-source causal order is
// preserved on the bus. A zero watermark returns everything the feed
// currently exposes, bounded by MaxItems.
func (f *Fetcher) FetchSince(ctx context.Context, src Source, watermark int64) ([]Item, error) {
	parsed, err := f.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Fetcher", "FetchSince", "fetch feed "+src.Name)
	}

	maxItems := src.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}

	fetchedAt := timestamp.Now()
	items := make([]Item, 0, len(parsed.Items))
	for i, entry := range parsed.Items {
		if i >= maxItems {
			break
		}
		item := f.convert(ctx, src, entry, fetchedAt)
		if item.PublishedTimestamp <= watermark {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedTimestamp < items[j].PublishedTimestamp
	})

	return items, nil
}

func (f *Fetcher) convert(ctx context.Context, src Source, entry *gofeed.Item, fetchedAt int64) Item {
	published := int64(0)
	if entry.PublishedParsed != nil {
		published = timestamp.ToUnixMs(*entry.PublishedParsed)
	} else if entry.Published != "" {
		published = timestamp.ParsePubDate(entry.Published)
	}
	if published == 0 {
		// Undated entries still flow; the fetch time stands in so the
		// watermark filter cannot silently drop them.
		published = fetchedAt
		f.logger.Warn("entry missing publish date, using fetch time",
			"source", src.Name, "link", entry.Link)
	}

	category := strings.Join(entry.Categories, ", ")
	if category == "" {
		category = src.Category
	}

	author := ""
	if len(entry.Authors) > 0 {
		author = entry.Authors[0].Name
	}

	commentsURL := ""
	if v, ok := entry.Custom["comments"]; ok {
		commentsURL = v
	}

	item := Item{
		Fingerprint:        Fingerprint(entry.Title, entry.Link, entry.Description),
		Title:              NormalizeText(entry.Title),
		Link:               strings.TrimSpace(entry.Link),
		Description:        NormalizeText(entry.Description),
		PublishedTimestamp: published,
		FetchedTimestamp:   fetchedAt,
		CommentsURL:        commentsURL,
		Category:           category,
		Author:             author,
		Source:             src.Name,
	}

	if src.ExtractArticles && item.Link != "" {
		article, err := f.extractor.Extract(ctx, item.Link)
		if err != nil {
			// Extraction is best-effort; the description still scores.
			f.logger.Debug("article extraction failed",
				"source", src.Name, "link", item.Link, "error", err)
		} else {
			item.Article = article
		}
	}

	return item
}
