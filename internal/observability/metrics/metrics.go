package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes recorded for created matters.
const (
	OutcomeHonored    = "honored"
	OutcomeReassigned = "reassigned"
	OutcomeFresh      = "fresh"
	OutcomeReplayed   = "replayed"
)

// Metrics holds the domain counters. A nil *Metrics records nothing.
type Metrics struct {
	mattersCreated    metric.Int64Counter
	quotaRejected     metric.Int64Counter
	allocationRetries metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	scope := strings.TrimSpace(cfg.ServiceName)
	if scope == "" {
		scope = "matterly"
	}
	meter := provider.Meter(scope)

	m := &Metrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.mattersCreated, "matterly_matters_created_total", "Matters created, by short id outcome."},
		{&m.quotaRejected, "matterly_quota_rejected_total", "Creates refused by the org quota."},
		{&m.allocationRetries, "matterly_allocation_retries_total", "Create transactions that were re-run."},
		{&m.rateLimitAllowed, "matterly_rate_limit_allowed_total", "Creates admitted by the rate limiter."},
		{&m.rateLimitDenied, "matterly_rate_limit_denied_total", "Creates refused by the rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) RecordMatterCreated(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.mattersCreated, attribute.String("outcome", outcome))
}

func (m *Metrics) RecordQuotaRejected(ctx context.Context, orgTier string) {
	if m == nil {
		return
	}
	add(ctx, m.quotaRejected, attribute.String("org_tier", orgTier))
}

func (m *Metrics) RecordAllocationRetry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	add(ctx, m.allocationRetries, attribute.String("reason", reason))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, orgID, endpoint string) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitAllowed,
		attribute.String("org_id", orgID),
		attribute.String("endpoint", endpoint),
	)
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, orgID, endpoint, reason string) {
	if m == nil {
		return
	}
	add(ctx, m.rateLimitDenied,
		attribute.String("org_id", orgID),
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	)
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

// Labels that may reach the exporter. Team, user and matter ids are
// unbounded and stay out.
var allowedLabelKeys = map[attribute.Key]bool{
	"org_id":      true,
	"org_tier":    true,
	"endpoint":    true,
	"status_code": true,
	"outcome":     true,
	"reason":      true,
}

// FilterAttributes drops labels outside the allow list.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if allowedLabelKeys[attr.Key] {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
