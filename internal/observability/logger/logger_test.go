package logger

import (
	"context"
	"errors"
	"net/http"
	"testing"

	obscontext "github.com/smallbiznis/matterly/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	require.Error(t, err)
}

func TestWithContextAddsOnlyPresentFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "user", "7")
	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "7", fields["actor_id"])
	assert.NotContains(t, fields, "org_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/api/matters", http.StatusInternalServerError, ""))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/health", http.StatusOK, ""))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/api/matters", http.StatusPaymentRequired, "quota_error"))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/matters", http.StatusBadRequest, "validation_error"))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/api/teams/:id", http.StatusOK, ""))
}

func TestStatementKind(t *testing.T) {
	assert.Equal(t, "INSERT", statementKind(`INSERT INTO "matters" ("id") VALUES ($1)`))
	assert.Equal(t, "SELECT", statementKind("  (select count(*) from matters)"))
	assert.Equal(t, "UNKNOWN", statementKind("   "))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: matters.team_id, matters.short_id")))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
}
