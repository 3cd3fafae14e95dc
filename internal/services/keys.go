package services

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/soaringjerry/Fieldform/internal/models"
)

const (
	sessionsNamespace  = "sessions/"
	indexNamespace     = "session_index/"
	responsesNamespace = "responses/"
)

// SessionKey is the fixed location of a live session record.
func SessionKey(questionnaire, sessionID string) string {
	return sessionsNamespace + questionnaire + "/" + sessionID + ".json"
}

// IndexKey is the identity index entry for a participant email.
func IndexKey(questionnaire, normalizedEmail string) string {
	return indexNamespace + questionnaire + "/" + normalizedEmail + ".json"
}

// ResponseKey is the location of a finalized snapshot.
func ResponseKey(questionnaire, sessionID string) string {
	return responsesNamespace + questionnaire + "/" + sessionID + ".json"
}

// ResponsesPrefix lists every finalized snapshot of one questionnaire. The
// trailing slash keeps "m1-m2" from matching "m1-m2-m3".
func ResponsesPrefix(questionnaire string) string {
	return responsesNamespace + questionnaire + "/"
}

// NormalizeEmail produces the key-safe deduplication token for an email:
// trimmed, lower-cased, and with every rune outside [a-z0-9._-@] replaced by '_'.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	var b strings.Builder
	b.Grow(len(email))
	for _, r := range email {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NewQuestionnaireID validates module names and builds the identity. Names end
// up inside storage keys, so separators and whitespace are rejected.
func NewQuestionnaireID(modules, postModules []string) (models.QuestionnaireID, error) {
	if len(modules) == 0 {
		return models.QuestionnaireID{}, NewInvalidError("at least one questionnaire module is required")
	}
	clean := func(in []string) ([]string, error) {
		out := make([]string, 0, len(in))
		for _, m := range in {
			m = strings.TrimSpace(m)
			if m == "" || m == "." || m == ".." || strings.ContainsAny(m, "/+\\") || strings.IndexFunc(m, unicode.IsSpace) >= 0 {
				return nil, NewInvalidError("invalid module name " + strconv.Quote(m))
			}
			out = append(out, m)
		}
		return out, nil
	}
	main, err := clean(modules)
	if err != nil {
		return models.QuestionnaireID{}, err
	}
	q := models.QuestionnaireID{Modules: main}
	if len(postModules) > 0 {
		post, err := clean(postModules)
		if err != nil {
			return models.QuestionnaireID{}, err
		}
		q.PostModules = post
	}
	return q, nil
}
