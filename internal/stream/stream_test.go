package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crowdsecurity/go-cs-lib/ptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/crowdsecurity/crowdsec/pkg/models"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSource struct {
	mu        sync.Mutex
	responses []*models.DecisionsStreamResponse
	err       error
	block     chan struct{}
	calls     int
	startups  []bool
}

func (s *stubSource) Stream(_ context.Context, startup bool) (*models.DecisionsStreamResponse, error) {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.startups = append(s.startups, startup)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &models.DecisionsStreamResponse{}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}

	return resp, nil
}

func banModel(id int64, value string) *models.Decision {
	return &models.Decision{
		ID:       id,
		Scope:    ptr.Of("Ip"),
		Value:    ptr.Of(value),
		Type:     ptr.Of("ban"),
		Duration: ptr.Of("4h0m0s"),
	}
}

func newSynchronizer(t *testing.T, source Source) (*Synchronizer, *decision.Index, cache.Store) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	store, err := cache.NewFS(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ranges := decision.NewRangeSet(logger)
	index := decision.NewIndex(store, ranges, logger)

	return New(index, store, ranges, source, remediation.Captcha, logger), index, store
}

func TestWarmUp(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{responses: []*models.DecisionsStreamResponse{{
		New: []*models.Decision{banModel(1, "127.0.0.1"), banModel(2, "127.0.0.2")},
	}}}
	s, index, _ := newSynchronizer(t, source)

	count, err := s.WarmUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []bool{true}, source.startups)

	warmed, err := index.WarmedUp(ctx)
	require.NoError(t, err)
	assert.True(t, warmed)

	entry, err := index.Entry(ctx, "ip_127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, remediation.Ban, entry.Top())
}

func TestWarmUpClearsWarmCache(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{responses: []*models.DecisionsStreamResponse{
		{New: []*models.Decision{banModel(1, "127.0.0.1")}},
		{New: []*models.Decision{banModel(2, "127.0.0.2")}},
	}}
	s, index, _ := newSynchronizer(t, source)

	_, err := s.WarmUp(ctx)
	require.NoError(t, err)

	_, err = s.WarmUp(ctx)
	require.NoError(t, err)

	// the first snapshot is gone
	entry, err := index.Entry(ctx, "ip_127.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = index.Entry(ctx, "ip_127.0.0.2")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestWarmUpFailureLeavesCacheCold(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{err: errors.New("lapi down")}
	s, index, _ := newSynchronizer(t, source)

	_, err := s.WarmUp(ctx)
	require.Error(t, err)

	var warmErr *WarmUpError
	require.ErrorAs(t, err, &warmErr)

	warmed, err := index.WarmedUp(ctx)
	require.NoError(t, err)
	assert.False(t, warmed)
}

func TestRefreshDelegatesToWarmUpWhenCold(t *testing.T) {
	source := &stubSource{responses: []*models.DecisionsStreamResponse{{
		New: []*models.Decision{banModel(1, "127.0.0.1")},
	}}}
	s, _, _ := newSynchronizer(t, source)

	added, deleted, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Zero(t, deleted)
	assert.Equal(t, []bool{true}, source.startups)
}

func TestRefreshAppliesDiff(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{responses: []*models.DecisionsStreamResponse{
		{New: []*models.Decision{banModel(1, "127.0.0.1"), banModel(2, "127.0.0.2")}},
		{
			New:     []*models.Decision{banModel(3, "127.0.0.3")},
			Deleted: []*models.Decision{banModel(1, "127.0.0.1"), banModel(42, "9.9.9.9")},
		},
	}}
	s, index, _ := newSynchronizer(t, source)

	_, err := s.WarmUp(ctx)
	require.NoError(t, err)

	added, deleted, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, deleted) // the stale delete is ignored
	assert.Equal(t, []bool{true, false}, source.startups)

	entry, err := index.Entry(ctx, "ip_127.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = index.Entry(ctx, "ip_127.0.0.3")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestRefreshIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{block: make(chan struct{})}
	s, _, _ := newSynchronizer(t, source)

	done := make(chan error, 1)
	go func() {
		_, err := s.WarmUp(ctx)
		done <- err
	}()

	// wait until the first call holds the flight slot
	require.Eventually(t, func() bool {
		return s.running.Load()
	}, time.Second, 5*time.Millisecond)

	_, _, err := s.Refresh(ctx)
	require.ErrorIs(t, err, ErrBusy)

	close(source.block)
	require.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &stubSource{}
	s, _, _ := newSynchronizer(t, source)

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.calls >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
