package bouncer

import (
	"context"
	"fmt"
)

// Healthy reports whether the bouncer's current state is considered
// healthy.
func (b *Bouncer) Healthy(ctx context.Context) (bool, error) {
	return b.Ping(ctx)
}

// Ping verifies a successful connection to the LAPI can be made.
func (b *Bouncer) Ping(ctx context.Context) (bool, error) {
	if err := b.client.Ping(ctx); err != nil {
		return false, fmt.Errorf("failed reaching CrowdSec LAPI: %w", err)
	}

	return true, nil
}
