package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordSubmission(ctx, "ARM", "ACCEPTED")
	p.RecordRejection(ctx, "ARM", "SIGNATURE_INVALID")
	p.RecordBreakerTrip(ctx, "REFLEX")

	_, finish := p.TrackIntent(ctx, "ARM")
	finish(errors.New("boom"))

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "mycelia-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}
