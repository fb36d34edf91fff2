package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/crowdsecurity/go-cs-lib/ptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crowdsecurity/crowdsec/pkg/models"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
	"github.com/tailsec/crowdsec-http-bouncer/internal/lapi"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

type stubSource struct {
	ipDecisions      []*models.Decision
	countryDecisions []*models.Decision
	err              error
	ipCalls          int
	countryCalls     int
}

func (s *stubSource) DecisionsForIP(_ context.Context, _ string) ([]*models.Decision, error) {
	s.ipCalls++
	return s.ipDecisions, s.err
}

func (s *stubSource) DecisionsForCountry(_ context.Context, _ string) ([]*models.Decision, error) {
	s.countryCalls++
	return s.countryDecisions, s.err
}

type stubGeo struct {
	country string
}

func (s *stubGeo) Country(_ context.Context, _ net.IP) (string, error) { return s.country, nil }
func (s *stubGeo) Close() error                                        { return nil }

func banModel(id int64, scope, value string) *models.Decision {
	return &models.Decision{
		ID:       id,
		Scope:    ptr.Of(scope),
		Value:    ptr.Of(value),
		Type:     ptr.Of("ban"),
		Duration: ptr.Of("4h0m0s"),
	}
}

func newResolver(t *testing.T, source DecisionSource, cfg Config) (*Resolver, *decision.Index) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store, err := cache.NewFS(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ranges := decision.NewRangeSet(logger)
	index := decision.NewIndex(store, ranges, logger)
	if cfg.CleanIPTTL == 0 {
		cfg.CleanIPTTL = time.Minute
	}
	if cfg.Fallback == "" {
		cfg.Fallback = remediation.Captcha
	}
	if cfg.MaxRemediation == "" {
		cfg.MaxRemediation = remediation.Ban
	}

	return New(index, ranges, source, nil, cfg, logger), index
}

func TestResolveRejectsBadInput(t *testing.T) {
	r, _ := newResolver(t, &stubSource{}, Config{})

	_, err := r.Resolve(context.Background(), "not-an-ip")

	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
}

func TestResolveStripsZone(t *testing.T) {
	ip, err := ParseIP("fe80::1%eth0")
	require.NoError(t, err)
	assert.Equal(t, "fe80::1", ip.String())
}

func TestLiveCleanIPGetsSentinel(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{}
	r, index := newResolver(t, source, Config{})

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)

	// the clean answer is remembered
	entry, err := index.Entry(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Len(t, entry.Items, 1)
	assert.Equal(t, remediation.Bypass, entry.Items[0].Remediation)
	assert.Equal(t, int64(0), entry.Items[0].ID)

	// and the second request never reaches the LAPI
	_, err = r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 1, source.ipCalls)
}

func TestLiveBanIsCached(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{ipDecisions: []*models.Decision{banModel(1, "Ip", "1.2.3.4")}}
	r, _ := newResolver(t, source, Config{})

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Ban, rem)

	rem, err = r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Ban, rem)
	assert.Equal(t, 1, source.ipCalls)
}

func TestCapLowersButCacheKeepsRaw(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{ipDecisions: []*models.Decision{banModel(1, "Ip", "1.2.3.4")}}
	r, index := newResolver(t, source, Config{MaxRemediation: remediation.Captcha})

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Captcha, rem)

	entry, err := index.Entry(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, remediation.Ban, entry.Items[0].Remediation)
}

func TestCapDisabledForcesBypass(t *testing.T) {
	source := &stubSource{ipDecisions: []*models.Decision{banModel(1, "Ip", "1.2.3.4")}}
	r, _ := newResolver(t, source, Config{MaxRemediation: remediation.Bypass})

	rem, err := r.Resolve(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)
}

func TestRangeScope(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{ipDecisions: []*models.Decision{banModel(3, "Range", "10.0.0.0/24")}}
	r, _ := newResolver(t, source, Config{})

	// first request caches the range decision and indexes the CIDR
	rem, err := r.Resolve(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, remediation.Ban, rem)

	// a different IP inside the range hits the cached entry
	rem, err = r.Resolve(ctx, "10.0.0.200")
	require.NoError(t, err)
	assert.Equal(t, remediation.Ban, rem)

	// outside the range is clean
	source.ipDecisions = nil
	rem, err = r.Resolve(ctx, "10.0.1.1")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)
}

func TestCountryScope(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store, err := cache.NewFS(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ranges := decision.NewRangeSet(logger)
	index := decision.NewIndex(store, ranges, logger)
	source := &stubSource{countryDecisions: []*models.Decision{{
		ID:       5,
		Scope:    ptr.Of("Country"),
		Value:    ptr.Of("JP"),
		Type:     ptr.Of("captcha"),
		Duration: ptr.Of("24h0m0s"),
	}}}
	cfg := Config{CleanIPTTL: time.Minute, Fallback: remediation.Captcha, MaxRemediation: remediation.Ban}
	r := New(index, ranges, source, &stubGeo{country: "JP"}, cfg, logger)

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Captcha, rem)
	assert.Equal(t, 1, source.countryCalls)
}

func TestLiveCleanCountryGetsSentinel(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store, err := cache.NewFS(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ranges := decision.NewRangeSet(logger)
	index := decision.NewIndex(store, ranges, logger)
	source := &stubSource{}
	cfg := Config{CleanIPTTL: time.Minute, Fallback: remediation.Captcha, MaxRemediation: remediation.Ban}
	r := New(index, ranges, source, &stubGeo{country: "JP"}, cfg, logger)

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)

	// the clean country answer is remembered
	entry, err := index.Entry(ctx, "country_JP")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Len(t, entry.Items, 1)
	assert.Equal(t, remediation.Bypass, entry.Items[0].Remediation)
	assert.Equal(t, int64(0), entry.Items[0].ID)

	// and the second request never reaches the LAPI
	_, err = r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 1, source.countryCalls)
	assert.Equal(t, 1, source.ipCalls)
}

func TestStreamMissIsBypass(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{ipDecisions: []*models.Decision{banModel(1, "Ip", "1.2.3.4")}}
	r, index := newResolver(t, source, Config{StreamMode: true})

	require.NoError(t, index.SetWarmedUp(ctx, true))
	require.NoError(t, index.Commit(ctx))

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)
	assert.Zero(t, source.ipCalls)
}

func TestStreamColdCacheErrors(t *testing.T) {
	r, _ := newResolver(t, &stubSource{}, Config{StreamMode: true})

	_, err := r.Resolve(context.Background(), "1.2.3.4")
	require.ErrorIs(t, err, ErrNotWarmedUp)
}

func TestBadIPTTLCapsCachedExpiry(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{ipDecisions: []*models.Decision{banModel(1, "Ip", "1.2.3.4")}}
	r, index := newResolver(t, source, Config{BadIPTTL: time.Minute})

	_, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)

	entry, err := index.Entry(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, entry)
	expiry := time.Unix(entry.Items[0].Expiry, 0)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiry, 5*time.Second)
}

func TestLiveTimeoutDegradesToBypass(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{err: lapi.ErrTimeout}
	r, index := newResolver(t, source, Config{})

	rem, err := r.Resolve(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)

	// the timeout is remembered like a clean answer
	entry, err := index.Entry(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, entry)
}
