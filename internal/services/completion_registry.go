package services

import (
	"context"
	"log/slog"

	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/objstore"
)

// CompletionChecker answers whether a participant already finished a questionnaire.
type CompletionChecker interface {
	HasCompleted(ctx context.Context, q models.QuestionnaireID, p models.Participant) bool
}

// CompletionRegistry scans finalized snapshots. It backs up the identity index
// for data written before the index existed, or when an index entry is lost.
type CompletionRegistry struct {
	store   objstore.Store
	logger  *slog.Logger
	metrics *Metrics
}

func NewCompletionRegistry(store objstore.Store, logger *slog.Logger, metrics *Metrics) *CompletionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionRegistry{store: store, logger: logger, metrics: metrics}
}

// HasCompleted fails open: a listing failure reports false so new participants
// are never locked out by a storage outage.
func (r *CompletionRegistry) HasCompleted(ctx context.Context, q models.QuestionnaireID, p models.Participant) bool {
	want := NormalizeEmail(p.Email)
	qkey := q.Key()
	prefix := ResponsesPrefix(qkey)
	for info, err := range r.store.List(ctx, prefix) {
		if err != nil {
			r.metrics.incRegistry("fail_open")
			r.logger.Warn("completion registry: listing failed, assuming no prior submission",
				"prefix", prefix, "error", err)
			return false
		}
		if info.Size == 0 {
			continue
		}
		var snap models.FinalizedResponse
		if err := objstore.GetJSON(ctx, r.store, info.Key, &snap); err != nil {
			if ctx.Err() != nil {
				r.metrics.incRegistry("fail_open")
				return false
			}
			r.metrics.incRegistry("skipped_entry")
			r.logger.Warn("completion registry: skipping unreadable entry", "key", info.Key, "error", err)
			continue
		}
		if snap.QuestionnaireID == qkey && NormalizeEmail(snap.Participant.Email) == want {
			r.metrics.incRegistry("match")
			return true
		}
	}
	return false
}

var _ CompletionChecker = (*CompletionRegistry)(nil)
