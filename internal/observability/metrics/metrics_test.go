package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("matter_id", "01HZX"),
		attribute.String("team_id", "456"),
		attribute.String("outcome", OutcomeReassigned),
	)
	require.Len(t, attrs, 2)

	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("org_id"))
	assert.Contains(t, keys, attribute.Key("outcome"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMatterCreated(context.Background(), OutcomeFresh)
		m.RecordQuotaRejected(context.Background(), "starter")
		m.RecordAllocationRetry(context.Background(), "serialization")
	})
}

func TestNewBuildsInstrumentsOnNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "matterly"}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordMatterCreated(context.Background(), OutcomeHonored)
		m.RecordRateLimitDenied(context.Background(), "1", "/api/matters", "org")
	})
}
