// Package normalize turns parsed feed items into indexable documents.
package normalize

import (
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/gustycube/cyberstreams/internal/extract"
	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/mmcdole/gofeed"
	"github.com/zeebo/blake3"
)

const (
	// MaxContentRunes bounds the stored content snippet.
	MaxContentRunes = 2000
	untitled        = "Untitled document"
)

// Document maps one feed item to a document. It never fails: every field
// has a fallback.
func Document(item *gofeed.Item, feed feeds.Descriptor, fetchedAt time.Time) types.Document {
	fetchedAt = fetchedAt.UTC()
	rawTitle := strings.TrimSpace(item.Title)

	doc := types.Document{
		ID:          ID(item, feed.ID),
		Title:       extract.Text(rawTitle),
		Content:     content(item),
		SourceID:    feed.ID,
		SourceName:  feed.Name,
		URL:         link(item),
		Risk:        feed.Risk,
		Tags:        append([]string{}, feed.Tags...),
		PublishedAt: published(item, fetchedAt),
		FetchedAt:   fetchedAt,
		Metadata:    metadata(item, feed),
	}
	if doc.Title == "" {
		doc.Title = untitled
	}
	if doc.Risk == "" {
		doc.Risk = types.RiskMedium
	}
	return doc
}

// Documents normalizes every item of one fetch with a shared fetch time.
func Documents(items []*gofeed.Item, feed feeds.Descriptor, fetchedAt time.Time) []types.Document {
	out := make([]types.Document, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, Document(item, feed, fetchedAt))
	}
	return out
}

// ID derives the stable document id: the item's guid (or Atom id), then its
// link, then a digest of the title scoped to the feed.
func ID(item *gofeed.Item, feedID string) string {
	if g := strings.TrimSpace(item.GUID); g != "" {
		return g
	}
	if u := link(item); u != nil {
		return *u
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "untitled"
	}
	sum := blake3.Sum256([]byte(title))
	return feedID + "-" + hex.EncodeToString(sum[:16])
}

func link(item *gofeed.Item) *string {
	if l := strings.TrimSpace(item.Link); l != "" {
		return &l
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return &l
		}
	}
	return nil
}

func content(item *gofeed.Item) string {
	for _, raw := range []string{item.Description, item.Content} {
		if text := extract.Text(raw); text != "" {
			return extract.Truncate(text, MaxContentRunes)
		}
	}
	return ""
}

func published(item *gofeed.Item, fallback time.Time) time.Time {
	if item.PublishedParsed != nil && !item.PublishedParsed.IsZero() {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil && !item.UpdatedParsed.IsZero() {
		return item.UpdatedParsed.UTC()
	}
	return fallback
}

func metadata(item *gofeed.Item, feed feeds.Descriptor) map[string]any {
	md := make(map[string]any, 4)

	categories := item.Categories
	if len(categories) == 0 {
		categories = feed.Tags
	}
	md["categories"] = append([]string{}, categories...)

	var author any
	if item.Author != nil && item.Author.Name != "" {
		author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
		author = item.Authors[0].Name
	}
	md["author"] = author

	u := link(item)
	if u == nil {
		return md
	}
	base, err := url.Parse(*u)
	if err != nil || base.Host == "" {
		return md
	}
	md["source_domain"] = extract.Apex(base.Hostname())

	body := item.Content
	if body == "" {
		body = item.Description
	}
	if strings.Contains(body, "<") {
		if links, err := extract.ParseLinks(base, strings.NewReader(body)); err == nil {
			if ext := extract.ExternalDomains(base.Hostname(), links); len(ext) > 0 {
				md["referenced_domains"] = ext
			}
		}
	}
	return md
}
