package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gustycube/cyberstreams/internal/httpclient"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/types"
)

type OpenSearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
	Alias    string
	Pipeline string
	Insecure bool
	Timeout  time.Duration
	// BulkMaxElapsed bounds retries of one bulk request.
	BulkMaxElapsed time.Duration
}

// StatusError is a non-retryable rejection from the search engine.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opensearch: HTTP %d: %s", e.Status, e.Body)
}

// OpenSearch talks to an OpenSearch (or Elasticsearch-compatible) cluster
// over its REST API.
type OpenSearch struct {
	cfg    OpenSearchConfig
	base   string
	client *httpclient.ResilientClient
	log    *logging.Logger

	ensureMu sync.Mutex
	ensured  bool
}

func NewOpenSearch(cfg OpenSearchConfig, log *logging.Logger) (*OpenSearch, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("opensearch: invalid url %q", cfg.URL)
	}
	if cfg.Index == "" {
		cfg.Index = "cyber-docs"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BulkMaxElapsed <= 0 {
		cfg.BulkMaxElapsed = 30 * time.Second
	}
	return &OpenSearch{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.URL, "/"),
		client: httpclient.NewResilientClient(httpclient.Default(cfg.Timeout, cfg.Insecure)),
		log:    log,
	}, nil
}

func (o *OpenSearch) do(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if o.cfg.Username != "" {
		req.SetBasicAuth(o.cfg.Username, o.cfg.Password)
	}

	resp, err := o.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, b, nil
}

func (o *OpenSearch) doJSON(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, err
		}
	}
	status, b, err := o.do(ctx, method, path, body, "application/json")
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, &StatusError{Status: status, Body: truncate(string(b), 512)}
	}
	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return status, fmt.Errorf("opensearch: decode %s %s: %w", method, path, err)
		}
	}
	return status, nil
}

func (o *OpenSearch) Ping(ctx context.Context) error {
	var health struct {
		Status string `json:"status"`
	}
	if _, err := o.doJSON(ctx, http.MethodGet, "/_cluster/health", nil, &health); err != nil {
		return err
	}
	if health.Status != "green" && health.Status != "yellow" {
		return fmt.Errorf("%w: cluster status %q", ErrUnavailable, health.Status)
	}
	return nil
}

// WaitReady polls cluster health with exponential backoff for up to maxWait.
func (o *OpenSearch) WaitReady(ctx context.Context, maxWait time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = maxWait
	return backoff.Retry(func() error { return o.Ping(ctx) }, backoff.WithContext(bo, ctx))
}

var indexBody = map[string]any{
	"settings": map[string]any{
		"analysis": map[string]any{
			"analyzer": map[string]any{
				"cyberstreams_html": map[string]any{
					"type":        "custom",
					"tokenizer":   "standard",
					"char_filter": []string{"html_strip"},
					"filter":      []string{"lowercase", "asciifolding"},
				},
			},
		},
	},
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":           map[string]any{"type": "keyword"},
			"title":        map[string]any{"type": "text", "analyzer": "cyberstreams_html", "fields": map[string]any{"keyword": map[string]any{"type": "keyword", "ignore_above": 256}}},
			"content":      map[string]any{"type": "text", "analyzer": "cyberstreams_html"},
			"source_id":    map[string]any{"type": "keyword"},
			"source_name":  map[string]any{"type": "keyword"},
			"url":          map[string]any{"type": "keyword"},
			"risk":         map[string]any{"type": "keyword"},
			"tags":         map[string]any{"type": "keyword"},
			"published_at": map[string]any{"type": "date"},
			"fetched_at":   map[string]any{"type": "date"},
			"ingested_at":  map[string]any{"type": "date"},
			"metadata":     map[string]any{"type": "object", "dynamic": true},
		},
	},
}

func (o *OpenSearch) EnsureResources(ctx context.Context) error {
	o.ensureMu.Lock()
	defer o.ensureMu.Unlock()
	if o.ensured {
		return nil
	}

	index := url.PathEscape(o.cfg.Index)
	status, _, err := o.do(ctx, http.MethodHead, "/"+index, nil, "")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		if _, err := o.doJSON(ctx, http.MethodPut, "/"+index, indexBody, nil); err != nil && !alreadyExists(err) {
			return fmt.Errorf("create index: %w", err)
		}
		o.log.Infow("created search index", "index", o.cfg.Index)
	}

	if o.cfg.Alias != "" && o.cfg.Alias != o.cfg.Index {
		aliasPath := "/" + index + "/_alias/" + url.PathEscape(o.cfg.Alias)
		status, _, err := o.do(ctx, http.MethodHead, aliasPath, nil, "")
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			if _, err := o.doJSON(ctx, http.MethodPut, aliasPath, nil, nil); err != nil {
				return fmt.Errorf("create alias: %w", err)
			}
		}
	}

	if o.cfg.Pipeline != "" {
		pipelinePath := "/_ingest/pipeline/" + url.PathEscape(o.cfg.Pipeline)
		status, _, err := o.do(ctx, http.MethodGet, pipelinePath, nil, "")
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			pipeline := map[string]any{
				"description": "Cyberstreams default pipeline: stamps ingest time",
				"processors": []any{
					map[string]any{"set": map[string]any{"field": "ingested_at", "value": "{{_ingest.timestamp}}"}},
					map[string]any{"remove": map[string]any{"field": "metadata.null", "ignore_missing": true}},
				},
			}
			if _, err := o.doJSON(ctx, http.MethodPut, pipelinePath, pipeline, nil); err != nil {
				return fmt.Errorf("create pipeline: %w", err)
			}
		}
	}

	o.ensured = true
	return nil
}

func alreadyExists(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusBadRequest && strings.Contains(se.Body, "resource_already_exists_exception")
}

type bulkAction struct {
	Index    string `json:"_index"`
	ID       string `json:"_id"`
	Pipeline string `json:"pipeline,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

// Bulk upserts docs with document id as _id, so re-ingesting an item
// overwrites it. Transport failures, 429s and 5xx are retried.
func (o *OpenSearch) Bulk(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(map[string]bulkAction{"index": {Index: o.cfg.Index, ID: d.ID, Pipeline: o.cfg.Pipeline}}); err != nil {
			return err
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	payload := buf.Bytes()

	op := func() error {
		status, b, err := o.do(ctx, http.MethodPost, "/_bulk?refresh=wait_for", payload, "application/x-ndjson")
		if err != nil {
			return err
		}
		if status == http.StatusTooManyRequests {
			return &StatusError{Status: status, Body: truncate(string(b), 512)}
		}
		if status >= 400 {
			return backoff.Permanent(&StatusError{Status: status, Body: truncate(string(b), 512)})
		}
		var br bulkResponse
		if err := json.Unmarshal(b, &br); err != nil {
			return backoff.Permanent(fmt.Errorf("opensearch: decode bulk response: %w", err))
		}
		if !br.Errors {
			return nil
		}
		failed := 0
		var first string
		for _, item := range br.Items {
			for _, res := range item {
				if res.Status >= 300 {
					failed++
					if first == "" {
						first = string(res.Error)
					}
				}
			}
		}
		return backoff.Permanent(fmt.Errorf("opensearch: %d of %d bulk items failed: %s", failed, len(docs), truncate(first, 256)))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.cfg.BulkMaxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

type termsAgg struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int    `json:"doc_count"`
	} `json:"buckets"`
}

type searchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations struct {
		Sources termsAgg `json:"sources"`
		Risks   termsAgg `json:"risks"`
	} `json:"aggregations"`
}

func (o *OpenSearch) searchTarget() string {
	if o.cfg.Alias != "" {
		return url.PathEscape(o.cfg.Alias)
	}
	return url.PathEscape(o.cfg.Index)
}

// SearchBody builds the engine query for q.
func SearchBody(q Query) map[string]any {
	must := []any{}
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":    q.Text,
				"fields":   []string{"title^3", "content", "tags^2"},
				"operator": "and",
			},
		})
	} else {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	}
	filter := []any{}
	if q.Source != "" && q.Source != "all" {
		filter = append(filter, map[string]any{"term": map[string]any{"source_id": q.Source}})
	}
	if q.Risk != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"risk": string(q.Risk)}})
	}
	if q.From != nil || q.To != nil {
		rng := map[string]any{}
		if q.From != nil {
			rng["gte"] = q.From.UTC().Format(time.RFC3339Nano)
		}
		if q.To != nil {
			rng["lte"] = q.To.UTC().Format(time.RFC3339Nano)
		}
		filter = append(filter, map[string]any{"range": map[string]any{"published_at": rng}})
	}
	return map[string]any{
		"from":             q.Offset,
		"size":             q.Limit,
		"track_total_hits": true,
		"query":            map[string]any{"bool": map[string]any{"must": must, "filter": filter}},
		"sort":             []any{map[string]any{"_score": "desc"}, map[string]any{"published_at": map[string]any{"order": "desc", "unmapped_type": "date"}}},
		"aggs": map[string]any{
			"sources": map[string]any{"terms": map[string]any{"field": "source_name", "size": 100}},
			"risks":   map[string]any{"terms": map[string]any{"field": "risk", "size": len(types.Risks)}},
		},
	}
}

func (o *OpenSearch) Search(ctx context.Context, q Query) (*Result, error) {
	var sr searchResponse
	status, err := o.doJSON(ctx, http.MethodPost, "/"+o.searchTarget()+"/_search", SearchBody(q), &sr)
	if status == http.StatusNotFound {
		return &Result{Hits: []types.Document{}, Sources: map[string]int{}, Risks: map[string]int{}}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{
		Total:   sr.Hits.Total.Value,
		Hits:    make([]types.Document, 0, len(sr.Hits.Hits)),
		Sources: make(map[string]int, len(sr.Aggregations.Sources.Buckets)),
		Risks:   make(map[string]int, len(sr.Aggregations.Risks.Buckets)),
		Took:    time.Duration(sr.Took) * time.Millisecond,
	}
	for _, h := range sr.Hits.Hits {
		var d types.Document
		if err := json.Unmarshal(h.Source, &d); err != nil {
			o.log.Warnw("skipping undecodable search hit", "id", h.ID, "err", err)
			continue
		}
		if d.ID == "" {
			d.ID = h.ID
		}
		res.Hits = append(res.Hits, d)
	}
	for _, b := range sr.Aggregations.Sources.Buckets {
		res.Sources[b.Key] = b.DocCount
	}
	for _, b := range sr.Aggregations.Risks.Buckets {
		res.Risks[b.Key] = b.DocCount
	}
	return res, nil
}

func (o *OpenSearch) Create(ctx context.Context, index string, doc map[string]any) (string, error) {
	var out struct {
		ID string `json:"_id"`
	}
	if _, err := o.doJSON(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_doc?refresh=wait_for", doc, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (o *OpenSearch) Get(ctx context.Context, index, id string) (map[string]any, error) {
	var out struct {
		ID     string         `json:"_id"`
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	status, err := o.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(index)+"/_doc/"+url.PathEscape(id), nil, &out)
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, ErrNotFound
	}
	if out.Source == nil {
		out.Source = map[string]any{}
	}
	out.Source["id"] = out.ID
	return out.Source, nil
}

func (o *OpenSearch) Update(ctx context.Context, index, id string, fields map[string]any) error {
	status, err := o.doJSON(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_update/"+url.PathEscape(id)+"?refresh=wait_for", map[string]any{"doc": fields}, nil)
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func (o *OpenSearch) Delete(ctx context.Context, index, id string) error {
	status, err := o.doJSON(ctx, http.MethodDelete, "/"+url.PathEscape(index)+"/_doc/"+url.PathEscape(id)+"?refresh=wait_for", nil, nil)
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func (o *OpenSearch) List(ctx context.Context, index string, limit, offset int) ([]map[string]any, int, error) {
	body := map[string]any{
		"from":             offset,
		"size":             limit,
		"track_total_hits": true,
		"query":            map[string]any{"match_all": map[string]any{}},
		"sort":             []any{map[string]any{"createdAt": map[string]any{"order": "desc", "unmapped_type": "date"}}},
	}
	var sr struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	status, err := o.doJSON(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_search", body, &sr)
	if status == http.StatusNotFound {
		return []map[string]any{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	out := make([]map[string]any, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		if h.Source == nil {
			h.Source = map[string]any{}
		}
		h.Source["id"] = h.ID
		out = append(out, h.Source)
	}
	return out, sr.Hits.Total.Value, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
