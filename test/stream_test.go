package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailsec/crowdsec-http-bouncer/internal/config"
	"github.com/tailsec/crowdsec-http-bouncer/internal/remediation"
	"github.com/tailsec/crowdsec-http-bouncer/internal/testutils"
)

func TestStreamingBouncer(t *testing.T) {
	ctx := context.Background()

	container := testutils.NewCrowdSecContainer(t, ctx)
	bouncer := testutils.NewBouncer(t, container, func(cfg *config.Config) {
		cfg.StreamMode = true
		cfg.StreamRefreshInterval = 1
	})

	sync := bouncer.Synchronizer()
	require.NotNil(t, sync)

	_, err := sync.WarmUp(ctx)
	require.NoError(t, err)

	// no decisions available yet, so the IP is clean
	rem, err := bouncer.Check(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, remediation.Bypass, rem)

	// add a ban for 127.0.0.1
	code, reader, err := container.Exec(ctx, []string{"cscli", "decisions", "add", "--ip", "127.0.0.1", "--duration", "20s"})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	testutils.LogContainerOutput(t, reader)

	// the diff should surface the new decision
	require.Eventually(t, func() bool {
		if _, _, err := sync.Refresh(ctx); err != nil {
			return false
		}
		rem, err := bouncer.Check(ctx, "127.0.0.1")
		return err == nil && rem == remediation.Ban
	}, 10*time.Second, time.Second)

	// delete the ban again
	code, reader, err = container.Exec(ctx, []string{"cscli", "decisions", "delete", "--ip", "127.0.0.1"})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	testutils.LogContainerOutput(t, reader)

	require.Eventually(t, func() bool {
		if _, _, err := sync.Refresh(ctx); err != nil {
			return false
		}
		rem, err := bouncer.Check(ctx, "127.0.0.1")
		return err == nil && rem == remediation.Bypass
	}, 10*time.Second, time.Second)
}
