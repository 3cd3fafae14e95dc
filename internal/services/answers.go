package services

import (
	"encoding/json"

	"github.com/soaringjerry/Fieldform/internal/models"
)

// NormalizeAnswers puts answers into the shape they have after a store round
// trip (numbers as float64, slices as []any), so comparing live answers with
// persisted ones is a plain value comparison.
func NormalizeAnswers(a models.Answers) (models.Answers, error) {
	if a == nil {
		return nil, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, NewInvalidError("answers must be JSON values: " + err.Error())
	}
	out := models.Answers{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewInvalidError("answers must be a JSON object")
	}
	return out, nil
}
