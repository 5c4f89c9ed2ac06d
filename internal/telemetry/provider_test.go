package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.4.0"

	res, err := newResource(cfg)
	require.NoError(t, err)

	got := map[string]string{}
	for _, attr := range res.Attributes() {
		got[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "lexconverge", got["service.name"])
	assert.Equal(t, "1.4.0", got["service.version"])
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, trace.ParentBased(trace.AlwaysSample()).Description()},
		{0, trace.ParentBased(trace.NeverSample()).Description()},
		{0.25, trace.ParentBased(trace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sampler(tt.rate).Description())
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.internal:4318", stripScheme("https://otel.internal:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
