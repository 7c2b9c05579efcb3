// Package robots caches robots.txt policies for feed hosts.
package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"
)

type Cache struct {
	hc  *http.Client
	lru *expirable.LRU[string, *robotstxt.RobotsData]
	ua  string
}

func NewCache(hc *http.Client, ua string) *Cache {
	return &Cache{
		hc:  hc,
		lru: expirable.NewLRU[string, *robotstxt.RobotsData](1024, nil, 24*time.Hour),
		ua:  ua,
	}
}

// Get returns the policy for target's host. Missing or unreachable
// robots.txt files yield an allow-all policy, which is cached too.
func (c *Cache) Get(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host
	if v, ok := c.lru.Get(host); ok {
		return v
	}
	schemes := []string{target.Scheme}
	if target.Scheme == "https" {
		schemes = append(schemes, "http")
	}
	for _, scheme := range schemes {
		if rd, ok := c.fetch(ctx, scheme+"://"+host+"/robots.txt"); ok {
			c.lru.Add(host, rd)
			return rd
		}
	}
	rd, _ := robotstxt.FromBytes(nil)
	c.lru.Add(host, rd)
	return rd
}

func (c *Cache) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("User-Agent", c.ua)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		rd, _ := robotstxt.FromBytes(nil)
		return rd, true
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		rd, err := robotstxt.FromBytes(b)
		if err != nil {
			return nil, false
		}
		return rd, true
	}
	return nil, false
}

// Allowed reports whether target may be fetched by this cache's user agent.
func (c *Cache) Allowed(ctx context.Context, target *url.URL) bool {
	return Allowed(c.Get(ctx, target), c.ua, target.EscapedPath())
}

func Allowed(rd *robotstxt.RobotsData, ua, path string) bool {
	if rd == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	g := rd.FindGroup(ua)
	if g == nil {
		return true
	}
	return g.Test(path)
}
