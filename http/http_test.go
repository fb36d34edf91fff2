package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tailsec/crowdsec-http-bouncer/internal/bouncer"
	"github.com/tailsec/crowdsec-http-bouncer/internal/config"
)

func TestMiddleware(t *testing.T) {
	lapi := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ip") == "203.0.113.9" {
			duration := "4h0m0s"
			scope := "Ip"
			value := "203.0.113.9"
			typ := "ban"
			json.NewEncoder(w).Encode([]map[string]any{{ //nolint:errcheck
				"id": 1, "scope": scope, "value": value, "type": typ, "duration": duration,
			}})
			return
		}
		w.Write([]byte("null")) //nolint:errcheck
	}))
	t.Cleanup(lapi.Close)

	cfg := config.Default()
	cfg.APIURL = lapi.URL
	cfg.APIKey = "apiKey"
	cfg.FSCachePath = t.TempDir()

	b, err := bouncer.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello")) //nolint:errcheck
	})
	handler := Middleware(b)(upstream)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	banned := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	banned.RemoteAddr = "203.0.113.9:4567"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, banned)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
