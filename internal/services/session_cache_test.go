package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Fieldform/internal/models"
)

type countingLoader struct {
	loads   int
	session *models.Session
	err     error
}

func (l *countingLoader) LoadByID(_ context.Context, _ models.QuestionnaireID, _ string) (*models.Session, error) {
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.session.Clone(), nil
}

func TestSessionCacheReadThrough(t *testing.T) {
	loader := &countingLoader{session: &models.Session{
		ID: "s1", QuestionnaireID: surveyMain.Key(), Status: models.StatusInProgress, Responses: models.Answers{},
	}}
	clock := newTestClock()
	cache := NewSessionCache(loader, 4, time.Minute)
	cache.now = clock.Now
	ctx := context.Background()
	var reads SessionLoader = cache

	first, err := reads.LoadByID(ctx, surveyMain, "s1")
	require.NoError(t, err)
	first.Responses["q1"] = "mutated"

	second, err := cache.LoadByID(ctx, surveyMain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loads)
	assert.Empty(t, second.Responses, "callers get private copies")

	clock.Advance(2 * time.Minute)
	_, err = cache.LoadByID(ctx, surveyMain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.loads, "expired entries reload")

	cache.Invalidate(surveyMain.Key(), "s1")
	_, err = cache.LoadByID(ctx, surveyMain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, loader.loads)
}

func TestSessionCacheSkipsCompletedAndErrors(t *testing.T) {
	loader := &countingLoader{session: &models.Session{ID: "s1", QuestionnaireID: surveyMain.Key(), Status: models.StatusCompleted}}
	cache := NewSessionCache(loader, 0, 0)
	ctx := context.Background()

	_, err := cache.LoadByID(ctx, surveyMain, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())

	loader.err = ErrSessionNotFound
	_, err = cache.LoadByID(ctx, surveyMain, "s2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, cache.Len())
}

func TestNilSessionCacheIsNoop(t *testing.T) {
	var cache *SessionCache
	cache.Put(&models.Session{ID: "x"})
	cache.Invalidate("q", "x")
}
