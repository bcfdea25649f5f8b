package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/folio/internal/apperr"
	"gorm.io/gorm"
)

func TestClassifyApplyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  fmt.Errorf("apply: %w", context.DeadlineExceeded),
			want: ApplyReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: ApplyReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: ApplyReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: ApplyReasonUniqueViolation,
		},
		{
			name: "conflict",
			err:  apperr.Conflict("tab changed"),
			want: ApplyReasonConflict,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: ApplyReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyApplyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIncReplay(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newReconcileMetrics(registry, Config{
		ServiceName: "folio",
		Environment: "test",
	})

	metrics.IncReplay("stripe")
	metrics.IncReplay("stripe")
	metrics.IncReplay("other")

	if got := testutil.ToFloat64(metrics.replays.WithLabelValues("stripe")); got != 2 {
		t.Fatalf("expected replay count 2, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.replays.WithLabelValues("other")); got != 1 {
		t.Fatalf("expected replay count 1, got %v", got)
	}
}
