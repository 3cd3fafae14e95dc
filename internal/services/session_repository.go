package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/objstore"
)

// SessionRepository maps (questionnaire, participant) to a durable Session and
// owns every write against the object store.
//
// The store offers no transactions, so correctness rests on write order:
// a session record is always durable before the index entry that points at it,
// and a finalized snapshot is always durable before the live record is removed.
type SessionRepository struct {
	store         objstore.Store
	registry      CompletionChecker
	logger        *slog.Logger
	metrics       *Metrics
	revisionCheck bool
	now           func() time.Time
	idGenerator   func() string
}

type RepositoryOption func(*SessionRepository)

// WithCompletionChecker gates first contact on a scan of finalized responses.
func WithCompletionChecker(c CompletionChecker) RepositoryOption {
	return func(r *SessionRepository) { r.registry = c }
}

func WithLogger(l *slog.Logger) RepositoryOption {
	return func(r *SessionRepository) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *Metrics) RepositoryOption {
	return func(r *SessionRepository) { r.metrics = m }
}

// WithRevisionCheck makes Save compare the stored revision with the caller's
// before writing. The check is read-then-write, so it narrows the dual-tab
// race rather than closing it.
func WithRevisionCheck(enabled bool) RepositoryOption {
	return func(r *SessionRepository) { r.revisionCheck = enabled }
}

func NewSessionRepository(store objstore.Store, opts ...RepositoryOption) *SessionRepository {
	r := &SessionRepository{
		store:       store,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: defaultSessionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Now exposes the repository clock so the state machine stamps the same time base.
func (r *SessionRepository) Now() time.Time { return r.now() }

// ResolveOrCreate returns the participant's session for q, creating it on first
// contact. A participant whose index entry points at a session that no longer
// exists has finalized; they get ErrAlreadyCompleted, never a fresh session.
func (r *SessionRepository) ResolveOrCreate(ctx context.Context, q models.QuestionnaireID, p models.Participant) (*models.Session, error) {
	p.FullName = strings.TrimSpace(p.FullName)
	p.Email = strings.TrimSpace(p.Email)
	if p.FullName == "" || p.Email == "" {
		return nil, NewInvalidError("full name and email are required")
	}
	email := NormalizeEmail(p.Email)
	qkey := q.Key()
	indexKey := IndexKey(qkey, email)

	var entry models.IndexEntry
	err := objstore.GetJSON(ctx, r.store, indexKey, &entry)
	switch {
	case err == nil && entry.SessionID != "":
		return r.resume(ctx, qkey, entry.SessionID)
	case err == nil, objstore.IsMalformed(err):
		r.logger.Warn("session index entry unreadable, treating as absent", "key", indexKey, "error", err)
	case errors.Is(err, objstore.ErrNotFound):
	default:
		return nil, wrapStoreError("look up session index", err)
	}

	if r.registry != nil && r.registry.HasCompleted(ctx, q, p) {
		r.metrics.incSession("blocked")
		return nil, ErrAlreadyCompleted
	}
	return r.create(ctx, q, p, indexKey)
}

func (r *SessionRepository) resume(ctx context.Context, qkey, sessionID string) (*models.Session, error) {
	s, err := r.loadLive(ctx, qkey, sessionID)
	if errors.Is(err, objstore.ErrNotFound) {
		r.metrics.incSession("blocked")
		return nil, ErrAlreadyCompleted
	}
	if err != nil {
		return nil, wrapStoreError("load session", err)
	}
	if s.Status == models.StatusCompleted {
		r.metrics.incSession("blocked")
		return nil, ErrAlreadyCompleted
	}
	finalized, err := r.isFinalized(ctx, qkey, sessionID)
	if err != nil {
		return nil, wrapStoreError("check finalized response", err)
	}
	if finalized {
		r.dropStaleLive(ctx, qkey, sessionID)
		r.metrics.incSession("blocked")
		return nil, ErrAlreadyCompleted
	}
	r.metrics.incSession("resumed")
	return s, nil
}

func (r *SessionRepository) create(ctx context.Context, q models.QuestionnaireID, p models.Participant, indexKey string) (*models.Session, error) {
	qkey := q.Key()
	s := &models.Session{
		ID:              r.idGenerator(),
		QuestionnaireID: qkey,
		Questionnaire:   q,
		Participant:     p,
		Status:          models.StatusInProgress,
		LastUpdated:     r.now(),
		Responses:       models.Answers{},
		Revision:        1,
	}
	if err := objstore.PutJSON(ctx, r.store, SessionKey(qkey, s.ID), s); err != nil {
		return nil, wrapStoreError("create session", err)
	}
	// A crash here leaves an orphaned session record that nothing points to;
	// lookups always go index -> session, so it is simply never found.
	if err := objstore.PutJSON(ctx, r.store, indexKey, models.IndexEntry{SessionID: s.ID}); err != nil {
		return nil, wrapStoreError("write session index", err)
	}

	// Two first contacts racing both create; the index keeps one of them.
	// Read it back so both callers converge on the winner when the store
	// already shows it.
	var winner models.IndexEntry
	if err := objstore.GetJSON(ctx, r.store, indexKey, &winner); err == nil && winner.SessionID != "" && winner.SessionID != s.ID {
		if other, err := r.loadLive(ctx, qkey, winner.SessionID); err == nil && other.Status != models.StatusCompleted {
			r.logger.Info("concurrent first contact, adopting indexed session",
				"questionnaire_id", qkey, "session_id", other.ID, "orphan_id", s.ID)
			r.metrics.incSession("resumed")
			return other, nil
		}
	}
	r.metrics.incSession("created")
	return s, nil
}

// LoadByID loads a session directly, as when a participant follows a resume
// link. A finalized session comes back as its snapshot with status completed.
func (r *SessionRepository) LoadByID(ctx context.Context, q models.QuestionnaireID, sessionID string) (*models.Session, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return nil, NewInvalidError("invalid session id")
	}
	qkey := q.Key()
	s, err := r.loadLive(ctx, qkey, sessionID)
	switch {
	case err == nil:
		// A live record next to a snapshot is a leftover from a failed cleanup
		// or a write from a stale window; the snapshot wins.
		finalized, ferr := r.isFinalized(ctx, qkey, sessionID)
		if ferr != nil {
			return nil, wrapStoreError("check finalized response", ferr)
		}
		if !finalized {
			return s, nil
		}
		r.dropStaleLive(ctx, qkey, sessionID)
	case !errors.Is(err, objstore.ErrNotFound):
		return nil, wrapStoreError("load session", err)
	}
	snap, err := r.LoadFinalized(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	out := snap.Session
	return &out, nil
}

// LoadFinalized reads the snapshot for a finalized session.
func (r *SessionRepository) LoadFinalized(ctx context.Context, q models.QuestionnaireID, sessionID string) (*models.FinalizedResponse, error) {
	var snap models.FinalizedResponse
	err := objstore.GetJSON(ctx, r.store, ResponseKey(q.Key(), sessionID), &snap)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, wrapStoreError("load finalized response", err)
	}
	return &snap, nil
}

// isFinalized reports whether a non-empty snapshot exists for the session.
func (r *SessionRepository) isFinalized(ctx context.Context, qkey, sessionID string) (bool, error) {
	body, err := r.store.Get(ctx, ResponseKey(qkey, sessionID))
	if errors.Is(err, objstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(body) > 0, nil
}

// dropStaleLive removes a live record whose snapshot already exists.
func (r *SessionRepository) dropStaleLive(ctx context.Context, qkey, sessionID string) {
	if err := r.store.Delete(ctx, SessionKey(qkey, sessionID)); err != nil {
		r.logger.Warn("stale live session not removed", "questionnaire_id", qkey, "session_id", sessionID, "error", err)
	}
}

func (r *SessionRepository) loadLive(ctx context.Context, qkey, sessionID string) (*models.Session, error) {
	var s models.Session
	if err := objstore.GetJSON(ctx, r.store, SessionKey(qkey, sessionID), &s); err != nil {
		return nil, err
	}
	if s.Responses == nil {
		s.Responses = models.Answers{}
	}
	return &s, nil
}

// Save overwrites the full record. Last writer wins unless the revision check
// is enabled. On failure s is left exactly as it was.
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	if s == nil {
		return NewInvalidError("session is required")
	}
	if s.Status == models.StatusCompleted {
		return &ServiceError{Code: ErrorIllegalTransition, Message: "completed sessions are immutable"}
	}
	finalized, err := r.isFinalized(ctx, s.QuestionnaireID, s.ID)
	if err != nil {
		r.metrics.incSave("error")
		return wrapStoreError("check finalized response", err)
	}
	if finalized {
		r.metrics.incSave("conflict")
		r.dropStaleLive(ctx, s.QuestionnaireID, s.ID)
		return ErrAlreadyCompleted
	}
	if r.revisionCheck {
		stored, err := r.loadLive(ctx, s.QuestionnaireID, s.ID)
		switch {
		case errors.Is(err, objstore.ErrNotFound):
			r.metrics.incSave("conflict")
			return ErrAlreadyCompleted
		case err != nil:
			r.metrics.incSave("error")
			return wrapStoreError("check session revision", err)
		case stored.Revision != s.Revision:
			r.metrics.incSave("conflict")
			return &ServiceError{Code: ErrorConflict, Message: "session changed in another window, reload to continue"}
		}
	}
	next := s.Clone()
	next.LastUpdated = r.now()
	next.Revision++
	if next.Responses == nil {
		next.Responses = models.Answers{}
	}
	if len(next.PostResponses) == 0 {
		next.PostResponses = nil
	}
	if err := objstore.PutJSON(ctx, r.store, SessionKey(next.QuestionnaireID, next.ID), next); err != nil {
		r.metrics.incSave("error")
		return wrapStoreError("save session", err)
	}
	*s = *next
	r.metrics.incSave("ok")
	return nil
}

// Finalize writes the immutable snapshot and then removes the live record.
// The identity index entry stays, which is what keeps the participant from
// starting over.
func (r *SessionRepository) Finalize(ctx context.Context, s *models.Session) (*models.FinalizedResponse, error) {
	if s == nil {
		return nil, NewInvalidError("session is required")
	}
	if s.Status == models.StatusCompleted {
		return nil, &ServiceError{Code: ErrorIllegalTransition, Message: "session already finalized"}
	}
	done := s.Clone()
	now := r.now()
	done.Status = models.StatusCompleted
	done.LastUpdated = now
	done.Revision++
	if done.Responses == nil {
		done.Responses = models.Answers{}
	}
	if len(done.PostResponses) == 0 {
		done.PostResponses = nil
	}

	snap := &models.FinalizedResponse{Session: *done, SubmittedAt: now}
	snap.TimeTakenMainSeconds, snap.TimeTakenPostSeconds = durations(done)

	// The snapshot is written once. An existing one is either this same
	// finalize retried after a failed cleanup, or another window that got
	// there first.
	var existing models.FinalizedResponse
	err := objstore.GetJSON(ctx, r.store, ResponseKey(done.QuestionnaireID, done.ID), &existing)
	switch {
	case err == nil:
		if !sameSubmission(&existing.Session, done) {
			r.metrics.incFinalized("already_completed")
			r.dropStaleLive(ctx, done.QuestionnaireID, done.ID)
			return nil, ErrAlreadyCompleted
		}
		snap = &existing
		*done = existing.Session
	case errors.Is(err, objstore.ErrNotFound), objstore.IsMalformed(err):
		if err := objstore.PutJSON(ctx, r.store, ResponseKey(done.QuestionnaireID, done.ID), snap); err != nil {
			r.metrics.incFinalized("error")
			return nil, wrapStoreError("write finalized response", err)
		}
	default:
		r.metrics.incFinalized("error")
		return nil, wrapStoreError("check finalized response", err)
	}
	if err := r.store.Delete(ctx, SessionKey(done.QuestionnaireID, done.ID)); err != nil {
		r.metrics.incFinalized("cleanup_error")
		r.logger.Warn("finalized snapshot written but live session not removed",
			"questionnaire_id", done.QuestionnaireID, "session_id", done.ID, "error", err)
		return nil, wrapStoreError("remove live session", err)
	}
	*s = *done
	r.metrics.incFinalized("ok")
	return snap, nil
}

// sameSubmission reports whether a stored snapshot records exactly the
// submission done would make.
func sameSubmission(stored, done *models.Session) bool {
	return stored.Revision == done.Revision &&
		stored.Responses.Equal(done.Responses) &&
		stored.PostResponses.Equal(done.PostResponses)
}

// durations derives the time spent per phase. Main time runs to the main
// completion stamp when there is one, otherwise to the final update.
func durations(s *models.Session) (main, post *float64) {
	if s.StartedAt == nil {
		return nil, nil
	}
	end := s.LastUpdated
	if s.MainCompletedAt != nil {
		end = *s.MainCompletedAt
	}
	m := end.Sub(*s.StartedAt).Seconds()
	main = &m
	if s.Questionnaire.HasPostPhase() && s.MainCompletedAt != nil {
		p := s.LastUpdated.Sub(*s.MainCompletedAt).Seconds()
		post = &p
	}
	return main, post
}
