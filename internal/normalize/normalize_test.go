package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fetchedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	feed      = feeds.Descriptor{
		ID:   "bleeping",
		Name: "BleepingComputer",
		URL:  "https://www.bleepingcomputer.com/feed/",
		Risk: types.RiskHigh,
		Tags: []string{"news", "malware"},
	}
)

func TestID_Priority(t *testing.T) {
	tests := []struct {
		name string
		item gofeed.Item
		want string
	}{
		{"guid wins", gofeed.Item{GUID: "guid-1", Link: "https://x.example/1", Title: "t"}, "guid-1"},
		{"link second", gofeed.Item{Link: "https://x.example/1", Title: "t"}, "https://x.example/1"},
		{"links slice", gofeed.Item{Links: []string{"", "https://x.example/2"}}, "https://x.example/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ID(&tt.item, "bleeping"))
		})
	}
}

func TestID_SynthesizedIsDeterministic(t *testing.T) {
	a := ID(&gofeed.Item{Title: "Same headline"}, "bleeping")
	b := ID(&gofeed.Item{Title: "  Same headline  "}, "bleeping")
	c := ID(&gofeed.Item{Title: "Other headline"}, "bleeping")
	d := ID(&gofeed.Item{Title: "Same headline"}, "another-feed")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "bleeping-"))
	assert.Len(t, strings.TrimPrefix(a, "bleeping-"), 32)

	assert.Equal(t, ID(&gofeed.Item{}, "bleeping"), ID(&gofeed.Item{Title: "untitled"}, "bleeping"))
}

func TestDocument_FullItem(t *testing.T) {
	pub := time.Date(2024, 2, 28, 8, 30, 0, 0, time.FixedZone("EST", -5*3600))
	item := &gofeed.Item{
		Title:           "LockBit &amp; friends",
		Description:     `<p>New variant hits <a href="https://nvd.nist.gov/vuln/detail/CVE-2024-1">CVE-2024-1</a></p>`,
		Link:            "https://www.bleepingcomputer.com/news/lockbit/",
		GUID:            "https://www.bleepingcomputer.com/?p=42",
		Categories:      []string{"Security", "Ransomware"},
		Authors:         []*gofeed.Person{{Name: "Jane Analyst"}},
		PublishedParsed: &pub,
	}

	doc := Document(item, feed, fetchedAt)

	assert.Equal(t, "https://www.bleepingcomputer.com/?p=42", doc.ID)
	assert.Equal(t, "LockBit & friends", doc.Title)
	assert.Equal(t, "New variant hits CVE-2024-1", doc.Content)
	assert.Equal(t, "bleeping", doc.SourceID)
	assert.Equal(t, "BleepingComputer", doc.SourceName)
	require.NotNil(t, doc.URL)
	assert.Equal(t, "https://www.bleepingcomputer.com/news/lockbit/", *doc.URL)
	assert.Equal(t, types.RiskHigh, doc.Risk)
	assert.Equal(t, []string{"news", "malware"}, doc.Tags)
	assert.True(t, doc.PublishedAt.Equal(pub))
	assert.Equal(t, time.UTC, doc.PublishedAt.Location())
	assert.Equal(t, fetchedAt, doc.FetchedAt)
	assert.Equal(t, []string{"Security", "Ransomware"}, doc.Metadata["categories"])
	assert.Equal(t, "Jane Analyst", doc.Metadata["author"])
	assert.Equal(t, "bleepingcomputer.com", doc.Metadata["source_domain"])
	assert.Equal(t, []string{"nvd.nist.gov"}, doc.Metadata["referenced_domains"])
}

func TestDocument_Fallbacks(t *testing.T) {
	updated := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	bare := feeds.Descriptor{ID: "bare", Name: "Bare"}

	doc := Document(&gofeed.Item{Content: "<div>body only</div>", UpdatedParsed: &updated}, bare, fetchedAt)
	assert.Equal(t, "Untitled document", doc.Title)
	assert.Equal(t, "body only", doc.Content)
	assert.Nil(t, doc.URL)
	assert.Equal(t, types.RiskMedium, doc.Risk)
	assert.NotNil(t, doc.Tags)
	assert.Empty(t, doc.Tags)
	assert.Equal(t, updated, doc.PublishedAt)
	assert.Nil(t, doc.Metadata["author"])
	assert.Equal(t, []string{}, doc.Metadata["categories"])

	doc = Document(&gofeed.Item{Title: "no dates"}, feed, fetchedAt)
	assert.Equal(t, fetchedAt, doc.PublishedAt)
	assert.Equal(t, []string{"news", "malware"}, doc.Metadata["categories"])
}

func TestDocument_TagsAreCopied(t *testing.T) {
	doc := Document(&gofeed.Item{Title: "x"}, feed, fetchedAt)
	doc.Tags[0] = "mutated"
	assert.Equal(t, "news", feed.Tags[0])
}

func TestDocument_ContentIsBounded(t *testing.T) {
	long := strings.Repeat("word ", MaxContentRunes)
	doc := Document(&gofeed.Item{Title: "x", Description: long}, feed, fetchedAt)
	assert.LessOrEqual(t, len([]rune(doc.Content)), MaxContentRunes+1)
}

func TestDocuments_SkipsNil(t *testing.T) {
	docs := Documents([]*gofeed.Item{{Title: "a"}, nil, {Title: "b"}}, feed, fetchedAt)
	assert.Len(t, docs, 2)
}
