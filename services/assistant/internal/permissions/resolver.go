package permissions

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Source loads the stored flags for a user. It returns ErrUnknownUser
// when no row exists.
type Source interface {
	GetPermissions(ctx context.Context, userID string) (Record, error)
}

// Resolver never fails: any doubt about a user's flags resolves to DenyAll.
type Resolver struct {
	source    Source
	logger    *slog.Logger
	fallbacks *prometheus.CounterVec
}

func NewResolver(source Source, logger *slog.Logger, fallbacks *prometheus.CounterVec) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger, fallbacks: fallbacks}
}

func (r *Resolver) Resolve(ctx context.Context, userID string) Record {
	rec, err := r.source.GetPermissions(ctx, userID)
	if err == nil {
		return rec
	}

	reason := "lookup_error"
	if errors.Is(err, ErrUnknownUser) {
		reason = "unknown_user"
		r.logger.Warn("permissions not found, denying all", "user_id", userID)
	} else {
		r.logger.Error("permission lookup failed, denying all", "user_id", userID, "error", err)
	}
	if r.fallbacks != nil {
		r.fallbacks.WithLabelValues(reason).Inc()
	}
	return DenyAll()
}
