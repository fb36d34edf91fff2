package testutils

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/tailsec/crowdsec-http-bouncer/internal/bouncer"
	"github.com/tailsec/crowdsec-http-bouncer/internal/config"
)

const testAPIKey = "testbouncer1key"

type container struct {
	c        testcontainers.Container
	endpoint string
}

func NewCrowdSecContainer(t *testing.T, ctx context.Context) *container {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "crowdsecurity/crowdsec:latest",
			ExposedPorts: []string{"8080/tcp"},
			WaitingFor:   wait.ForLog("CrowdSec Local API listening on 0.0.0.0:8080"),
			Env: map[string]string{
				"BOUNCER_KEY_testbouncer1": testAPIKey,
				"DISABLE_ONLINE_API":       "true",
			},
		},
		Started: true,
		Logger:  testcontainers.TestLogger(t),
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	t.Cleanup(func() { c.Terminate(ctx) }) //nolint:errcheck

	endpointPort, err := c.MappedPort(ctx, "8080/tcp")
	require.NoError(t, err)

	return &container{
		c:        c,
		endpoint: fmt.Sprintf("http://localhost:%d", endpointPort.Int()),
	}
}

func (c *container) APIUrl() string {
	return c.endpoint
}

func (c *container) APIKey() string {
	return testAPIKey
}

func (c *container) Exec(ctx context.Context, cmd []string) (int, io.Reader, error) {
	return c.c.Exec(ctx, cmd, []exec.ProcessOption{}...)
}

// NewBouncer builds a bouncer against the containerised LAPI, with an
// fs cache in a per-test directory.
func NewBouncer(t *testing.T, c *container, mutate func(*config.Config)) *bouncer.Bouncer {
	t.Helper()

	cfg := config.Default()
	cfg.APIURL = c.APIUrl()
	cfg.APIKey = c.APIKey()
	cfg.FSCachePath = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	b, err := bouncer.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() }) //nolint:errcheck

	return b
}

func LogContainerOutput(t *testing.T, reader io.Reader) {
	t.Helper()

	buf := new(strings.Builder)
	_, err := io.Copy(buf, reader)
	require.NoError(t, err)
	t.Log(buf.String())
}
