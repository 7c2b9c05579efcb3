package httpclient

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gustycube/cyberstreams/internal/circuitbreaker"
	"github.com/gustycube/cyberstreams/internal/metrics"
)

// Default returns a pooled client for upstream calls. insecure disables TLS
// verification and is meant for self-signed development clusters only.
func Default(timeout time.Duration, insecure bool) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure},
		MaxIdleConns:          256,
		MaxConnsPerHost:       32,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}

// ResilientClient wraps http.Client with a per-host circuit breaker
type ResilientClient struct {
	client *http.Client
	hosts  *circuitbreaker.Hosts
}

// NewResilientClient creates a new HTTP client with circuit breaker
func NewResilientClient(client *http.Client) *ResilientClient {
	if client == nil {
		client = Default(15*time.Second, false)
	}
	cfg := circuitbreaker.DefaultConfig()
	cfg.OnStateChange = func(host string, _, to circuitbreaker.State) {
		metrics.BreakerState.WithLabelValues(host).Set(float64(to))
	}
	return &ResilientClient{
		client: client,
		hosts:  circuitbreaker.NewHosts(cfg),
	}
}

// Do executes req under its host's breaker. Transport errors and 5xx
// responses count as failures; for the latter the response is returned
// alongside an *HTTPError and the caller must close its body.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.hosts.Execute(req.URL.Host, func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil
	})
	return resp, err
}

// BreakerState reports the breaker state for host.
func (c *ResilientClient) BreakerState(host string) circuitbreaker.State {
	return c.hosts.State(host)
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
