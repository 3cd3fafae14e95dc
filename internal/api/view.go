package api

import (
	"net/http"
	"time"

	"github.com/soaringjerry/Fieldform/internal/middleware"
	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/utils"
)

type sessionView struct {
	SessionID            string             `json:"session_id"`
	QuestionnaireID      string             `json:"questionnaire_id"`
	Title                string             `json:"title"`
	Modules              []string           `json:"modules"`
	PostModules          []string           `json:"post_modules,omitempty"`
	Participant          models.Participant `json:"participant"`
	Status               models.Status      `json:"status"`
	StartTime            *time.Time         `json:"start_time,omitempty"`
	MainCompletedAt      *time.Time         `json:"main_completed_at,omitempty"`
	LastUpdated          time.Time          `json:"last_updated"`
	Responses            models.Answers     `json:"responses"`
	PostResponses        models.Answers     `json:"post_responses,omitempty"`
	DurationSeconds      float64            `json:"duration_seconds"`
	Deadline             *time.Time         `json:"deadline,omitempty"`
	RemainingSeconds     *float64           `json:"remaining_seconds,omitempty"`
	SubmittedAt          *time.Time         `json:"submitted_at,omitempty"`
	TimeTakenMainSeconds *float64           `json:"time_taken_main_seconds,omitempty"`
	TimeTakenPostSeconds *float64           `json:"time_taken_post_seconds,omitempty"`
	Saved                *bool              `json:"saved,omitempty"`
	Message              string             `json:"message,omitempty"`
	ResumeToken          string             `json:"resume_token,omitempty"`
}

// view renders s for the participant. For a completed session without a
// snapshot at hand the snapshot is read to report durations.
func (rt *Router) view(r *http.Request, s *models.Session, snap *models.FinalizedResponse) sessionView {
	locale := middleware.LocaleFromContext(r.Context())
	v := sessionView{
		SessionID:       s.ID,
		QuestionnaireID: s.QuestionnaireID,
		Title:           s.Questionnaire.Title(),
		Modules:         s.Questionnaire.Modules,
		PostModules:     s.Questionnaire.PostModules,
		Participant:     s.Participant,
		Status:          s.Status,
		StartTime:       s.StartedAt,
		MainCompletedAt: s.MainCompletedAt,
		LastUpdated:     s.LastUpdated,
		Responses:       s.Responses,
		PostResponses:   s.PostResponses,
		DurationSeconds: rt.machine.Duration().Seconds(),
	}
	if v.Responses == nil {
		v.Responses = models.Answers{}
	}
	switch s.Status {
	case models.StatusInProgress:
		if deadline, remaining, ok := rt.machine.Timer(s); ok {
			secs := remaining.Seconds()
			v.Deadline, v.RemainingSeconds = &deadline, &secs
		}
	case models.StatusPostPhase:
		v.Message = utils.T(locale, "session.post_phase")
	case models.StatusCompleted:
		v.Message = utils.T(locale, "session.completed")
		if snap == nil {
			if loaded, err := rt.repo.LoadFinalized(r.Context(), s.Questionnaire, s.ID); err == nil {
				snap = loaded
			} else {
				rt.logger.Warn("completed session without readable snapshot", "session_id", s.ID, "error", err)
			}
		}
		if snap != nil {
			submitted := snap.SubmittedAt
			v.SubmittedAt = &submitted
			v.TimeTakenMainSeconds = snap.TimeTakenMainSeconds
			v.TimeTakenPostSeconds = snap.TimeTakenPostSeconds
		}
	}
	return v
}
