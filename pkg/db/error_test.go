package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"pgx unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"lib/pq unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped pgx", fmt.Errorf("insert matter: %w", &pgconn.PgError{Code: "23505"}), true},
		{"postgres message", errors.New(`ERROR: duplicate key value violates unique constraint "ux_matters_team_short_id"`), true},
		{"mysql", errors.New("Error 1062 (23000): Duplicate entry '20-7' for key 'ux_matters_team_short_id'"), true},
		{"sqlite", errors.New("UNIQUE constraint failed: matters.team_id, matters.short_id"), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"other", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestIsRetryableErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pgx serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"lib/pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped deadlock", fmt.Errorf("reserve: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"mysql deadlock", errors.New("Error 1213 (40001): Deadlock found when trying to get lock"), true},
		{"mysql lock wait", errors.New("Error 1205 (HY000): Lock wait timeout exceeded"), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"sqlite table locked", errors.New("database table is locked: teams"), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("tx: %w", context.DeadlineExceeded), false},
		{"other", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableErr(tc.err))
		})
	}
}
