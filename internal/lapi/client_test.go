package lapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/crowdsecurity/go-cs-lib/ptr"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crowdsecurity/crowdsec/pkg/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := New(Config{
		URL:    "http://127.0.0.1:8080",
		APIKey: "apiKey",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	// route the client's own transport through httpmock
	httpmock.ActivateNonDefault(c.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := New(Config{APIKey: "apiKey"}, logger)
	require.Error(t, err)

	_, err = New(Config{URL: "http://127.0.0.1:8080"}, logger)
	require.Error(t, err)

	_, err = New(Config{
		URL:      "http://127.0.0.1:8080",
		APIKey:   "apiKey",
		CertPath: "/tmp/cert.pem",
	}, logger)
	require.Error(t, err)
}

func TestDecisionsForIP(t *testing.T) {
	c := newTestClient(t)

	var gotKey, gotAgent string
	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		func(req *http.Request) (*http.Response, error) {
			gotKey = req.Header.Get("X-Api-Key")
			gotAgent = req.Header.Get("User-Agent")
			require.Equal(t, "1.2.3.4", req.URL.Query().Get("ip"))

			return httpmock.NewJsonResponse(200, []*models.Decision{{
				ID:       1,
				Scope:    ptr.Of("Ip"),
				Value:    ptr.Of("1.2.3.4"),
				Type:     ptr.Of("ban"),
				Duration: ptr.Of("4h0m0s"),
			}})
		})

	decisions, err := c.DecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, int64(1), decisions[0].ID)
	assert.Equal(t, "apiKey", gotKey)
	assert.Equal(t, defaultUserAgent, gotAgent)
}

func TestDecisionsForIPNullBody(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		httpmock.NewStringResponder(200, "null"))

	decisions, err := c.DecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestDecisionsForCountry(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "Country", req.URL.Query().Get("scope"))
			require.Equal(t, "JP", req.URL.Query().Get("value"))

			return httpmock.NewStringResponse(200, "[]"), nil
		})

	decisions, err := c.DecisionsForCountry(context.Background(), "JP")
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestStream(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions/stream",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "true", req.URL.Query().Get("startup"))

			return httpmock.NewJsonResponse(200, &models.DecisionsStreamResponse{
				New: []*models.Decision{{
					ID:       7,
					Scope:    ptr.Of("Ip"),
					Value:    ptr.Of("127.0.0.2"),
					Type:     ptr.Of("ban"),
					Duration: ptr.Of("120s"),
				}},
				Deleted: []*models.Decision{},
			})
		})

	stream, err := c.Stream(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, stream.New, 1)
	assert.Empty(t, stream.Deleted)
	assert.Equal(t, int64(7), stream.New[0].ID)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		httpmock.NewStringResponder(403, `{"message":"forbidden"}`))

	_, err := c.DecisionsForIP(context.Background(), "1.2.3.4")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "forbidden")
}

func TestTimeout(t *testing.T) {
	c := newTestClient(t)
	c.client.Timeout = 50 * time.Millisecond

	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		func(req *http.Request) (*http.Response, error) {
			time.Sleep(200 * time.Millisecond)

			return httpmock.NewStringResponse(200, "[]"), nil
		})

	_, err := c.DecisionsForIP(context.Background(), "1.2.3.4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestPing(t *testing.T) {
	c := newTestClient(t)

	// GET, not HEAD: the decision routes only answer GET
	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		httpmock.NewStringResponder(200, "null"))

	require.NoError(t, c.Ping(context.Background()))

	httpmock.Reset()
	httpmock.RegisterResponder("GET", "http://127.0.0.1:8080/v1/decisions",
		httpmock.NewStringResponder(401, ""))

	err := c.Ping(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
}
