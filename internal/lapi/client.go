// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lapi is a small client for the CrowdSec Local API decision
// endpoints: live lookups by IP or country, and the stream diff used
// in stream mode. Transport errors are returned to the caller instead
// of being logged fatally, so the bouncer can fail open.
package lapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = time.Second
	defaultUserAgent = "crowdsec-http-bouncer"

	// maxErrorBody caps how much of a failing response is kept in an
	// APIError.
	maxErrorBody = 4096
)

// ErrTimeout is returned when the LAPI did not answer within the
// configured budget.
var ErrTimeout = errors.New("lapi request timed out")

// APIError is a non-2xx answer from the LAPI.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lapi returned status %d: %s", e.StatusCode, e.Body)
}

// Config selects the LAPI endpoint and one of the two supported
// authentication methods: API key or mutual TLS.
type Config struct {
	URL        string
	APIKey     string
	CertPath   string
	KeyPath    string
	CACertPath string
	SkipVerify bool
	UserAgent  string
	Timeout    time.Duration

	// DedicatedConnections disables connection reuse, giving every
	// request its own HTTP/1.1 connection.
	DedicatedConnections bool
}

// Client issues decision queries against one LAPI instance. It is safe
// for concurrent use.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	userAgent string
	client    *http.Client
	logger    *zap.Logger
}

// New validates cfg and returns a ready client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("lapi url is required")
	}

	baseURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing lapi url %q: %w", cfg.URL, err)
	}

	hasKey := cfg.APIKey != ""
	hasCert := cfg.CertPath != "" || cfg.KeyPath != ""
	switch {
	case hasKey && hasCert:
		return nil, errors.New("api key and client certificate are mutually exclusive")
	case !hasKey && !hasCert:
		return nil, errors.New("either an api key or a client certificate is required")
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		userAgent: userAgent,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger,
	}, nil
}

func newTransport(cfg Config) (*http.Transport, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not an *http.Transport")
	}
	transport = transport.Clone()

	if cfg.DedicatedConnections {
		transport.DisableKeepAlives = true
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	if cfg.CertPath == "" && cfg.CACertPath == "" && !cfg.SkipVerify {
		return transport, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // operator opt-in for self-signed LAPI certs
	}
	if cfg.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("loading ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}
	transport.TLSClientConfig = tlsConfig

	return transport, nil
}

// DecisionsForIP returns the active decisions for a single IP.
func (c *Client) DecisionsForIP(ctx context.Context, ip string) ([]*models.Decision, error) {
	return c.decisions(ctx, url.Values{"ip": []string{ip}})
}

// DecisionsForCountry returns the active decisions for an ISO-3166
// country code.
func (c *Client) DecisionsForCountry(ctx context.Context, code string) ([]*models.Decision, error) {
	return c.decisions(ctx, url.Values{"scope": []string{"Country"}, "value": []string{code}})
}

func (c *Client) decisions(ctx context.Context, query url.Values) ([]*models.Decision, error) {
	body, err := c.get(ctx, "/v1/decisions", query)
	if err != nil {
		return nil, err
	}

	// the LAPI answers a bare "null" when nothing matches
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}

	var decisions []*models.Decision
	if err := json.Unmarshal(body, &decisions); err != nil {
		return nil, fmt.Errorf("decoding decisions: %w", err)
	}

	return decisions, nil
}

// Stream fetches the decision diff since the previous call. With
// startup true the LAPI answers the full active set instead.
func (c *Client) Stream(ctx context.Context, startup bool) (*models.DecisionsStreamResponse, error) {
	body, err := c.get(ctx, "/v1/decisions/stream", url.Values{"startup": []string{strconv.FormatBool(startup)}})
	if err != nil {
		return nil, err
	}

	stream := &models.DecisionsStreamResponse{}
	if len(body) == 0 || string(body) == "null" {
		return stream, nil
	}
	if err := json.Unmarshal(body, stream); err != nil {
		return nil, fmt.Errorf("decoding stream response: %w", err)
	}

	return stream, nil
}

// Ping probes LAPI reachability and authentication with a harmless
// decision query, discarding the answer. GET because the decision
// routes are not defined for HEAD and intermediaries may answer 405.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/decisions", url.Values{"ip": []string{"127.0.0.1"}})
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	observeRequest("ping", err)
	if err != nil {
		return c.wrapTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode}
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	observeRequest(path, err)
	if err != nil {
		return nil, c.wrapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, c.wrapTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	return req, nil
}

func (c *Client) wrapTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}

	return err
}
