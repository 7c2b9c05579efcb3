// Package predict is a client for the threat-classification service.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gustycube/cyberstreams/internal/httpclient"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/gustycube/cyberstreams/internal/types"
)

type Prediction struct {
	Severity      string             `json:"severity"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

type request struct {
	Document document `json:"document"`
}

type document struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Source  string   `json:"source"`
	Tags    []string `json:"tags"`
}

type response struct {
	Success    bool        `json:"success"`
	Prediction *Prediction `json:"prediction"`
	Error      string      `json:"error"`
}

type Client struct {
	base string
	hc   *httpclient.ResilientClient
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc:   httpclient.NewResilientClient(httpclient.Default(timeout, false)),
	}
}

// Predict classifies d.
func (c *Client) Predict(ctx context.Context, d types.Document) (*Prediction, error) {
	body, err := json.Marshal(request{Document: document{
		ID:      d.ID,
		Title:   d.Title,
		Content: d.Content,
		Source:  d.SourceName,
		Tags:    d.Tags,
	}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.Inject(ctx, req.Header)

	resp, err := c.hc.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict: HTTP %d", resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("predict: decode: %w", err)
	}
	if !out.Success || out.Prediction == nil {
		if out.Error == "" {
			out.Error = "empty prediction"
		}
		return nil, errors.New("predict: " + out.Error)
	}
	return out.Prediction, nil
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml service: HTTP %d", resp.StatusCode)
	}
	return nil
}
