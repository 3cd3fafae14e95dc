package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/soaringjerry/Fieldform/internal/models"
)

// DefaultQuestionnaireDuration is the main-phase time limit.
const DefaultQuestionnaireDuration = time.Hour

// Trigger names what caused a main-phase transition.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerTimeUp Trigger = "time_up"
)

// State is one of InProgress, PostPhase or Completed. Each transition function
// accepts only the state it is legal from, so an illegal transition does not
// type-check.
type State interface {
	Status() models.Status
	Session() *models.Session
	state()
}

type InProgress struct{ s *models.Session }

type PostPhase struct{ s *models.Session }

// Completed carries the snapshot when it was produced by this transition; a
// state rebuilt from a record has none.
type Completed struct {
	s        *models.Session
	Response *models.FinalizedResponse
}

func (InProgress) Status() models.Status { return models.StatusInProgress }
func (PostPhase) Status() models.Status  { return models.StatusPostPhase }
func (Completed) Status() models.Status  { return models.StatusCompleted }

func (st InProgress) Session() *models.Session { return st.s }
func (st PostPhase) Session() *models.Session  { return st.s }
func (st Completed) Session() *models.Session  { return st.s }

func (InProgress) state() {}
func (PostPhase) state()  {}
func (Completed) state()  {}

// StateOf wraps a loaded record in its tagged state.
func StateOf(s *models.Session) (State, error) {
	if s == nil {
		return nil, NewInvalidError("session is required")
	}
	switch s.Status {
	case models.StatusInProgress:
		return InProgress{s: s}, nil
	case models.StatusPostPhase:
		return PostPhase{s: s}, nil
	case models.StatusCompleted:
		return Completed{s: s}, nil
	default:
		return nil, &ServiceError{Code: ErrorMalformed, Message: "unknown session status " + string(s.Status)}
	}
}

// SessionWriter is the persistence the machine drives.
type SessionWriter interface {
	Save(ctx context.Context, s *models.Session) error
	Finalize(ctx context.Context, s *models.Session) (*models.FinalizedResponse, error)
	Now() time.Time
}

// RenderResult is what one render cycle decided.
type RenderResult struct {
	State       State
	Saved       bool
	Deadline    time.Time
	HasDeadline bool
	Remaining   time.Duration
}

// Machine runs the session lifecycle: start stamping, auto-save, the main
// phase deadline, the optional post phase and finalization.
type Machine struct {
	store    SessionWriter
	cache    *SessionCache
	duration time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

type MachineOption func(*Machine)

func WithDuration(d time.Duration) MachineOption {
	return func(m *Machine) {
		if d > 0 {
			m.duration = d
		}
	}
}

func WithSessionCache(c *SessionCache) MachineOption {
	return func(m *Machine) { m.cache = c }
}

func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMachineMetrics(metrics *Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

func NewMachine(store SessionWriter, opts ...MachineOption) *Machine {
	m := &Machine{store: store, duration: DefaultQuestionnaireDuration, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Duration() time.Duration { return m.duration }

// Begin stamps the start of the timed phase. It is a no-op once set.
func (m *Machine) Begin(ctx context.Context, st InProgress) (InProgress, error) {
	s := st.s
	if s == nil {
		return st, ErrIllegalTransition
	}
	if s.StartedAt != nil {
		return st, nil
	}
	work := s.Clone()
	now := m.store.Now()
	work.StartedAt = &now
	if err := m.save(ctx, work); err != nil {
		return st, err
	}
	*s = *work
	m.logger.Info("session started", "session_id", s.ID, "questionnaire_id", s.QuestionnaireID)
	return st, nil
}

// Proceed ends the main phase. The live answers are saved unconditionally, then
// the session moves to the post phase when one is configured and is finalized
// otherwise. The manual button and the deadline both come through here.
func (m *Machine) Proceed(ctx context.Context, st InProgress, live models.Answers, trigger Trigger) (State, error) {
	s := st.s
	if s == nil {
		return nil, ErrIllegalTransition
	}
	live, err := NormalizeAnswers(live)
	if err != nil {
		return nil, err
	}
	work := s.Clone()
	if live != nil {
		work.Responses = live
	}

	if s.Questionnaire.HasPostPhase() {
		now := m.store.Now()
		work.MainCompletedAt = &now
		work.Status = models.StatusPostPhase
		if err := m.save(ctx, work); err != nil {
			return nil, err
		}
		*s = *work
		m.transitioned(s, models.StatusInProgress, models.StatusPostPhase, trigger)
		return PostPhase{s: s}, nil
	}

	if err := m.save(ctx, work); err != nil {
		return nil, err
	}
	*s = *work
	return m.finalize(ctx, s, models.StatusInProgress, trigger)
}

// SubmitPost saves the post answers and finalizes the session.
func (m *Machine) SubmitPost(ctx context.Context, st PostPhase, live models.Answers) (Completed, error) {
	s := st.s
	if s == nil {
		return Completed{}, ErrIllegalTransition
	}
	live, err := NormalizeAnswers(live)
	if err != nil {
		return Completed{}, err
	}
	work := s.Clone()
	if live != nil {
		work.PostResponses = live
	}
	if err := m.save(ctx, work); err != nil {
		return Completed{}, err
	}
	*s = *work
	next, err := m.finalize(ctx, s, models.StatusPostPhase, TriggerManual)
	if err != nil {
		return Completed{}, err
	}
	return next.(Completed), nil
}

func (m *Machine) finalize(ctx context.Context, s *models.Session, from models.Status, trigger Trigger) (State, error) {
	resp, err := m.store.Finalize(ctx, s)
	m.invalidate(s)
	if err != nil {
		m.logger.Error("finalize failed", "session_id", s.ID, "questionnaire_id", s.QuestionnaireID, "error", err)
		return nil, err
	}
	m.transitioned(s, from, models.StatusCompleted, trigger)
	return Completed{s: s, Response: resp}, nil
}

// Advance is the manual "proceed" action from whatever state s is in.
func (m *Machine) Advance(ctx context.Context, s *models.Session, live models.Answers) (State, error) {
	st, err := StateOf(s)
	if err != nil {
		return nil, err
	}
	ip, ok := st.(InProgress)
	if !ok {
		return nil, &ServiceError{Code: ErrorIllegalTransition, Message: "session is not in the main phase"}
	}
	return m.Proceed(ctx, ip, live, TriggerManual)
}

// Submit is the final submission action. From the main phase it is only legal
// when no post phase is configured.
func (m *Machine) Submit(ctx context.Context, s *models.Session, live models.Answers) (State, error) {
	st, err := StateOf(s)
	if err != nil {
		return nil, err
	}
	switch st := st.(type) {
	case PostPhase:
		done, err := m.SubmitPost(ctx, st, live)
		if err != nil {
			return nil, err
		}
		return done, nil
	case InProgress:
		if s.Questionnaire.HasPostPhase() {
			return nil, &ServiceError{Code: ErrorIllegalTransition, Message: "the post questionnaire has not been reached"}
		}
		return m.Proceed(ctx, st, live, TriggerManual)
	default:
		return nil, &ServiceError{Code: ErrorIllegalTransition, Message: "session already finalized"}
	}
}

// Render runs one cycle for a displayed session: stamp the start on first
// render, move on when the deadline has passed, otherwise persist the live
// answers if they differ from what is stored.
func (m *Machine) Render(ctx context.Context, s *models.Session, live models.Answers) (RenderResult, error) {
	st, err := StateOf(s)
	if err != nil {
		return RenderResult{}, err
	}
	live, err = NormalizeAnswers(live)
	if err != nil {
		return RenderResult{}, err
	}

	switch cur := st.(type) {
	case Completed:
		return RenderResult{State: cur}, nil

	case InProgress:
		if s.StartedAt == nil {
			work := s.Clone()
			if live != nil {
				work.Responses = live
			}
			if _, err := m.Begin(ctx, InProgress{s: work}); err != nil {
				return RenderResult{}, err
			}
			*s = *work
			return m.result(cur, true), nil
		}
		deadline, _ := s.Deadline(m.duration)
		if !m.store.Now().Before(deadline) {
			next, err := m.Proceed(ctx, cur, live, TriggerTimeUp)
			if err != nil {
				return RenderResult{}, err
			}
			return m.result(next, true), nil
		}
		if live == nil || live.Equal(s.Responses) {
			m.metrics.incSave("unchanged")
			return m.result(cur, false), nil
		}
		work := s.Clone()
		work.Responses = live
		if err := m.save(ctx, work); err != nil {
			return RenderResult{}, err
		}
		*s = *work
		return m.result(cur, true), nil

	case PostPhase:
		if live == nil || live.Equal(s.PostResponses) {
			m.metrics.incSave("unchanged")
			return m.result(cur, false), nil
		}
		work := s.Clone()
		work.PostResponses = live
		if err := m.save(ctx, work); err != nil {
			return RenderResult{}, err
		}
		*s = *work
		return m.result(cur, true), nil
	}
	return RenderResult{}, ErrIllegalTransition
}

func (m *Machine) result(st State, saved bool) RenderResult {
	res := RenderResult{State: st, Saved: saved}
	res.Deadline, res.Remaining, res.HasDeadline = m.Timer(st.Session())
	return res
}

// Timer reports the main-phase deadline and the time left before it. Only a
// started session in the main phase has one; the post phase is untimed.
func (m *Machine) Timer(s *models.Session) (deadline time.Time, remaining time.Duration, ok bool) {
	if s == nil || s.Status != models.StatusInProgress {
		return time.Time{}, 0, false
	}
	deadline, ok = s.Deadline(m.duration)
	if !ok {
		return time.Time{}, 0, false
	}
	if left := deadline.Sub(m.store.Now()); left > 0 {
		remaining = left
	}
	return deadline, remaining, true
}

func (m *Machine) save(ctx context.Context, s *models.Session) error {
	if err := m.store.Save(ctx, s); err != nil {
		m.invalidate(s)
		m.logger.Warn("session save failed", "session_id", s.ID, "questionnaire_id", s.QuestionnaireID, "error", err)
		return err
	}
	m.cache.Put(s)
	return nil
}

func (m *Machine) invalidate(s *models.Session) {
	m.cache.Invalidate(s.QuestionnaireID, s.ID)
}

func (m *Machine) transitioned(s *models.Session, from, to models.Status, trigger Trigger) {
	m.invalidate(s)
	m.metrics.incTransition(string(from), string(to), string(trigger))
	m.logger.Info("session transition",
		"session_id", s.ID, "questionnaire_id", s.QuestionnaireID,
		"from", from, "to", to, "trigger", trigger)
}
