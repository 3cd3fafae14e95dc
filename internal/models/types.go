package models

import (
	"reflect"
	"strings"
	"time"
	"unicode"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusPostPhase  Status = "post-phase"
	StatusCompleted  Status = "completed"
)

// QuestionnaireID identifies a questionnaire by its ordered module list plus an
// optional ordered post-phase module list. Order matters: ["a","b"] and
// ["b","a"] are different questionnaires.
type QuestionnaireID struct {
	Modules     []string `json:"modules"`
	PostModules []string `json:"post_modules,omitempty"`
}

// Key returns the opaque storage form, e.g. "m1-m2" or "m1-m2+p1".
func (q QuestionnaireID) Key() string {
	k := strings.Join(q.Modules, "-")
	if len(q.PostModules) > 0 {
		k += "+" + strings.Join(q.PostModules, "-")
	}
	return k
}

// MainKey is the identity of the main phase alone.
func (q QuestionnaireID) MainKey() string { return strings.Join(q.Modules, "-") }

// PostKey is the identity of the post phase, empty when there is none.
func (q QuestionnaireID) PostKey() string { return strings.Join(q.PostModules, "-") }

// HasPostPhase reports whether a post phase is configured.
func (q QuestionnaireID) HasPostPhase() bool { return len(q.PostModules) > 0 }

// Title renders a human readable name: "big_five" -> "Big Five", joined by " & ".
func (q QuestionnaireID) Title() string {
	parts := make([]string, 0, len(q.Modules))
	for _, m := range q.Modules {
		words := strings.Fields(strings.ReplaceAll(m, "_", " "))
		for i, w := range words {
			r := []rune(strings.ToLower(w))
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
		parts = append(parts, strings.Join(words, " "))
	}
	return strings.Join(parts, " & ")
}

// Participant is self-asserted; the email is the deduplication key.
type Participant struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Answers maps question id to answer value. Values hold whatever the JSON
// decoder produces (string, float64, bool, []any, map[string]any, nil).
type Answers map[string]any

// Equal compares by value.
func (a Answers) Equal(b Answers) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the map.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Session is the live, mutable record of one participant working through one
// questionnaire. It is stored at sessions/{questionnaire}/{id}.json.
type Session struct {
	ID              string          `json:"session_id"`
	QuestionnaireID string          `json:"questionnaire_id"`
	Questionnaire   QuestionnaireID `json:"questionnaire"`
	Participant     Participant     `json:"participant_info"`
	Status          Status          `json:"status"`
	StartedAt       *time.Time      `json:"start_time,omitempty"`
	MainCompletedAt *time.Time      `json:"main_completed_at,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
	Responses       Answers         `json:"responses"`
	PostResponses   Answers         `json:"post_responses,omitempty"`
	Revision        int64           `json:"revision"`
}

// Clone deep-copies timestamps and answer maps.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Questionnaire = QuestionnaireID{
		Modules:     append([]string(nil), s.Questionnaire.Modules...),
		PostModules: append([]string(nil), s.Questionnaire.PostModules...),
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.MainCompletedAt != nil {
		t := *s.MainCompletedAt
		out.MainCompletedAt = &t
	}
	out.Responses = s.Responses.Clone()
	out.PostResponses = s.PostResponses.Clone()
	return &out
}

// Deadline returns start+d, or false while the timed phase has not begun.
func (s *Session) Deadline(d time.Duration) (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(d), true
}

// IndexEntry is the body of session_index/{questionnaire}/{email}.json.
type IndexEntry struct {
	SessionID string `json:"session_id"`
}

// FinalizedResponse is the immutable snapshot written when a session completes.
type FinalizedResponse struct {
	Session
	SubmittedAt          time.Time `json:"submitted_at"`
	TimeTakenMainSeconds *float64  `json:"time_taken_main_seconds,omitempty"`
	TimeTakenPostSeconds *float64  `json:"time_taken_post_seconds,omitempty"`
}
