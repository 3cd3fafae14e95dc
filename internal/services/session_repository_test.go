package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/objstore"
)

func TestResolveOrCreateFirstContact(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "big_five-grit", s.QuestionnaireID)
	assert.Equal(t, models.StatusInProgress, s.Status)
	assert.Nil(t, s.StartedAt)
	assert.Equal(t, int64(1), s.Revision)

	require.True(t, f.store.has(t, SessionKey("big_five-grit", "s1")))
	var entry models.IndexEntry
	require.NoError(t, objstore.GetJSON(ctx, f.store, IndexKey("big_five-grit", "alice@example.com"), &entry))
	assert.Equal(t, "s1", entry.SessionID)

	// the session record is written before the index entry that points at it
	require.Equal(t, []string{
		SessionKey("big_five-grit", "s1"),
		IndexKey("big_five-grit", "alice@example.com"),
	}, f.store.puts)
}

func TestResolveOrCreateResumesExistingSession(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	first, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	first.Responses = models.Answers{"q1": "agree"}
	require.NoError(t, f.repo.Save(ctx, first))

	other := models.Participant{FullName: "A. Doe", Email: "  alice@EXAMPLE.com "}
	again, err := f.repo.ResolveOrCreate(ctx, surveyMain, other)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.Answers{"q1": "agree"}, again.Responses)
	assert.Equal(t, "Alice Doe", again.Participant.FullName, "participant info of the original contact is kept")
}

func TestResolveOrCreateSeparatesQuestionnaires(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	a, err := f.repo.ResolveOrCreate(ctx, models.QuestionnaireID{Modules: []string{"m1", "m2"}}, alice)
	require.NoError(t, err)
	b, err := f.repo.ResolveOrCreate(ctx, models.QuestionnaireID{Modules: []string{"m2", "m1"}}, alice)
	require.NoError(t, err)
	c, err := f.repo.ResolveOrCreate(ctx, models.QuestionnaireID{Modules: []string{"m1", "m2"}, PostModules: []string{"p"}}, alice)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestResolveOrCreateRequiresIdentity(t *testing.T) {
	f := newRepoFixture()
	_, err := f.repo.ResolveOrCreate(context.Background(), surveyMain, models.Participant{FullName: "  ", Email: "x@example.com"})
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorInvalid, se.Code)
	assert.Equal(t, 0, len(f.store.puts))
}

func TestResolveOrCreateBlocksAfterFinalize(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	_, err = f.repo.Finalize(ctx, s)
	require.NoError(t, err)

	_, err = f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.False(t, f.store.has(t, SessionKey(s.QuestionnaireID, "s2")), "no new session may be created")
}

func TestResolveOrCreateRegistryBlocksWithoutIndex(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	// a snapshot written before the identity index existed
	snap := models.FinalizedResponse{Session: models.Session{
		ID:              "legacy",
		QuestionnaireID: surveyMain.Key(),
		Questionnaire:   surveyMain,
		Participant:     models.Participant{FullName: "Alice", Email: "alice@example.com"},
		Status:          models.StatusCompleted,
		Responses:       models.Answers{},
	}}
	require.NoError(t, objstore.PutJSON(ctx, f.store, ResponseKey(surveyMain.Key(), "legacy"), snap))

	_, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Empty(t, f.store.puts[1:])
}

func TestResolveOrCreateRegistryFailsOpen(t *testing.T) {
	f := newRepoFixture()
	f.store.failList(errBackendDown)

	s, err := f.repo.ResolveOrCreate(context.Background(), surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
}

func TestResolveOrCreateMalformedIndexTreatedAsAbsent(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, IndexKey(surveyMain.Key(), "alice@example.com"), []byte("{not json")))

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)

	var entry models.IndexEntry
	require.NoError(t, objstore.GetJSON(ctx, f.store, IndexKey(surveyMain.Key(), "alice@example.com"), &entry))
	assert.Equal(t, s.ID, entry.SessionID)
}

func TestResolveOrCreateIndexOutageFabricatesNothing(t *testing.T) {
	f := newRepoFixture()
	f.store.failGet("session_index/", errBackendDown)

	_, err := f.repo.ResolveOrCreate(context.Background(), surveyMain, alice)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, f.store.puts)
}

func TestResolveOrCreateIndexWriteFailureLeavesOrphanOnly(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	f.store.failPut("session_index/", errBackendDown)

	_, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	// the orphaned record is unreachable; the next attempt starts cleanly
	f.store.heal()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)
}

func TestLoadByID(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)

	live, err := f.repo.LoadByID(ctx, surveyMain, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, live.Status)

	_, err = f.repo.Finalize(ctx, s)
	require.NoError(t, err)
	done, err := f.repo.LoadByID(ctx, surveyMain, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	_, err = f.repo.LoadByID(ctx, surveyMain, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.repo.LoadByID(ctx, surveyMain, "../escape")
	se, _ := AsServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, ErrorInvalid, se.Code)
}

func TestLoadByIDMalformedRecord(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, SessionKey(surveyMain.Key(), "bad"), []byte(`{"status":`)))

	_, err := f.repo.LoadByID(ctx, surveyMain, "bad")
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorMalformed, se.Code)
}

func TestSaveRefreshesAndOverwrites(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	s.Responses = models.Answers{"q1": float64(4)}
	require.NoError(t, f.repo.Save(ctx, s))
	assert.Equal(t, f.clock.Now(), s.LastUpdated)
	assert.Equal(t, int64(2), s.Revision)

	loaded, err := f.repo.LoadByID(ctx, surveyMain, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestSaveFailureLeavesSessionUntouched(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	before := s.Clone()

	f.clock.Advance(time.Minute)
	f.store.failPut("sessions/", errBackendDown)
	err = f.repo.Save(ctx, s)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, before, s)
}

func TestSaveRejectsCompleted(t *testing.T) {
	f := newRepoFixture()
	s := &models.Session{ID: "x", QuestionnaireID: "q", Status: models.StatusCompleted}
	err := f.repo.Save(context.Background(), s)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestSaveRevisionCheck(t *testing.T) {
	f := newRepoFixture(WithRevisionCheck(true))
	ctx := context.Background()

	tab1, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	tab2, err := f.repo.LoadByID(ctx, surveyMain, tab1.ID)
	require.NoError(t, err)

	tab1.Responses = models.Answers{"q1": "a"}
	require.NoError(t, f.repo.Save(ctx, tab1))

	tab2.Responses = models.Answers{"q1": "b"}
	err = f.repo.Save(ctx, tab2)
	assert.ErrorIs(t, err, ErrRevisionConflict)

	stored, err := f.repo.LoadByID(ctx, surveyMain, tab1.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Responses["q1"])
}

func TestSaveLastWriterWinsByDefault(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	tab1, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	tab2 := tab1.Clone()

	tab1.Responses = models.Answers{"q1": "a"}
	require.NoError(t, f.repo.Save(ctx, tab1))
	tab2.Responses = models.Answers{"q1": "b"}
	require.NoError(t, f.repo.Save(ctx, tab2))

	stored, err := f.repo.LoadByID(ctx, surveyMain, tab1.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", stored.Responses["q1"])
}

func TestFinalizeWritesSnapshotThenRemovesLive(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	s, err := f.repo.ResolveOrCreate(ctx, surveyPost, alice)
	require.NoError(t, err)
	start := f.clock.Now()
	s.StartedAt = &start
	f.clock.Advance(20 * time.Minute)
	mainDone := f.clock.Now()
	s.MainCompletedAt = &mainDone
	s.Status = models.StatusPostPhase
	s.PostResponses = models.Answers{"fb": "fine"}
	require.NoError(t, f.repo.Save(ctx, s))
	f.clock.Advance(5 * time.Minute)

	snap, err := f.repo.Finalize(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, s.Status)
	require.NotNil(t, snap.TimeTakenMainSeconds)
	require.NotNil(t, snap.TimeTakenPostSeconds)
	assert.Equal(t, 1200.0, *snap.TimeTakenMainSeconds)
	assert.Equal(t, 300.0, *snap.TimeTakenPostSeconds)
	assert.Equal(t, f.clock.Now(), snap.SubmittedAt)

	assert.False(t, f.store.has(t, SessionKey(s.QuestionnaireID, s.ID)))
	assert.True(t, f.store.has(t, ResponseKey(s.QuestionnaireID, s.ID)))
	assert.True(t, f.store.has(t, IndexKey(s.QuestionnaireID, "alice@example.com")))

	stored, err := f.repo.LoadFinalized(ctx, surveyPost, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "fine", stored.PostResponses["fb"])
	assert.Equal(t, "Alice@Example.com", stored.Participant.Email)
}

func TestFinalizeMainOnlyDurations(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	start := f.clock.Now()
	s.StartedAt = &start
	f.clock.Advance(90 * time.Second)

	snap, err := f.repo.Finalize(ctx, s)
	require.NoError(t, err)
	require.NotNil(t, snap.TimeTakenMainSeconds)
	assert.Equal(t, 90.0, *snap.TimeTakenMainSeconds)
	assert.Nil(t, snap.TimeTakenPostSeconds)
}

func TestFinalizeSnapshotFailureIsNotSuccess(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	before := s.Clone()

	f.store.failPut("responses/", errBackendDown)
	_, err = f.repo.Finalize(ctx, s)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, before, s)
	assert.True(t, f.store.has(t, SessionKey(s.QuestionnaireID, s.ID)), "live record must survive")

	// the participant can still resume
	again, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestFinalizeDeleteFailureIsRetryable(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)

	f.store.failDelete("sessions/", errBackendDown)
	_, err = f.repo.Finalize(ctx, s)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, models.StatusInProgress, s.Status)
	assert.True(t, f.store.has(t, ResponseKey(s.QuestionnaireID, s.ID)))

	f.store.heal()
	_, err = f.repo.Finalize(ctx, s)
	require.NoError(t, err)
	assert.False(t, f.store.has(t, SessionKey(s.QuestionnaireID, s.ID)))

	var count int
	for _, err := range f.store.List(ctx, ResponsesPrefix(s.QuestionnaireID)) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count, "retry completes cleanup without a second snapshot")
}

func TestFinalizeKeepsFirstSnapshot(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	tabA, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	tabB := tabA.Clone()

	tabA.Responses = models.Answers{"q1": "a"}
	first, err := f.repo.Finalize(ctx, tabA)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	tabB.Responses = models.Answers{"q1": "b"}
	_, err = f.repo.Finalize(ctx, tabB)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, models.StatusInProgress, tabB.Status)

	stored, err := f.repo.LoadFinalized(ctx, surveyMain, tabA.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Responses["q1"])
	assert.True(t, first.SubmittedAt.Equal(stored.SubmittedAt))
}

func TestStaleLiveRecordAfterFinalizeIsIgnored(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	stale := s.Clone()
	_, err = f.repo.Finalize(ctx, s)
	require.NoError(t, err)

	// a write from another window lands after the snapshot
	require.NoError(t, objstore.PutJSON(ctx, f.store, SessionKey(stale.QuestionnaireID, stale.ID), stale))

	_, err = f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	require.NoError(t, objstore.PutJSON(ctx, f.store, SessionKey(stale.QuestionnaireID, stale.ID), stale))
	loaded, err := f.repo.LoadByID(ctx, surveyMain, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, loaded.Status)
	assert.False(t, f.store.has(t, SessionKey(stale.QuestionnaireID, stale.ID)))
}

func TestSaveAfterFinalizeIsRejected(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	tabA, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	tabB := tabA.Clone()
	_, err = f.repo.Finalize(ctx, tabA)
	require.NoError(t, err)

	tabB.Responses = models.Answers{"q1": "late"}
	err = f.repo.Save(ctx, tabB)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.False(t, f.store.has(t, SessionKey(tabB.QuestionnaireID, tabB.ID)))
}

func TestFinalizeTwiceIsIllegal(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()
	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	_, err = f.repo.Finalize(ctx, s)
	require.NoError(t, err)
	_, err = f.repo.Finalize(ctx, s)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
}

func TestConcurrentFirstContactConverges(t *testing.T) {
	f := newRepoFixture()
	ctx := context.Background()

	// a competing tab already created a session and won the index
	rival := &models.Session{
		ID:              "rival",
		QuestionnaireID: surveyMain.Key(),
		Questionnaire:   surveyMain,
		Participant:     alice,
		Status:          models.StatusInProgress,
		Responses:       models.Answers{},
		Revision:        1,
	}
	require.NoError(t, objstore.PutJSON(ctx, f.store, SessionKey(rival.QuestionnaireID, rival.ID), rival))
	indexKey := IndexKey(surveyMain.Key(), "alice@example.com")

	// the rival's index write lands right after ours
	raced := false
	f.store.afterPut = func(key string) {
		if key == indexKey && !raced {
			raced = true
			require.NoError(t, objstore.PutJSON(ctx, f.store.Store, indexKey, models.IndexEntry{SessionID: "rival"}))
		}
	}

	s, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, "rival", s.ID)

	again, err := f.repo.ResolveOrCreate(ctx, surveyMain, alice)
	require.NoError(t, err)
	assert.Equal(t, "rival", again.ID)
}

func utcSession(s *models.Session) *models.Session {
	out := s.Clone()
	out.LastUpdated = out.LastUpdated.UTC()
	if out.StartedAt != nil {
		t := out.StartedAt.UTC()
		out.StartedAt = &t
	}
	if out.MainCompletedAt != nil {
		t := out.MainCompletedAt.UTC()
		out.MainCompletedAt = &t
	}
	return out
}

func TestSessionRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	answersOf := func(keys []string, text string, score float64, flag bool) models.Answers {
		answers := models.Answers{}
		for i, k := range keys {
			switch i % 3 {
			case 0:
				answers[k] = text
			case 1:
				answers[k] = score
			default:
				answers[k] = []any{flag, text}
			}
		}
		return answers
	}

	properties.Property("a saved session loads back identical", prop.ForAll(
		func(keys, postKeys []string, text string, score float64, flag bool, elapsed int, inPost bool) bool {
			f := newRepoFixture()
			ctx := context.Background()
			q := surveyMain
			if inPost {
				q = surveyPost
			}
			s, err := f.repo.ResolveOrCreate(ctx, q, alice)
			if err != nil {
				return false
			}
			start := f.clock.Now()
			s.StartedAt = &start
			if text != "" {
				s.Participant.FullName = text
			}
			s.Responses = answersOf(keys, text, score, flag)
			f.clock.Advance(time.Duration(elapsed) * time.Second)
			if inPost {
				mainDone := f.clock.Now()
				s.MainCompletedAt = &mainDone
				s.Status = models.StatusPostPhase
				s.PostResponses = answersOf(postKeys, text, -score, !flag)
				f.clock.Advance(time.Second)
			}
			if err := f.repo.Save(ctx, s); err != nil {
				return false
			}
			loaded, err := f.repo.LoadByID(ctx, q, s.ID)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(utcSession(s), utcSession(loaded))
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.Identifier()),
		gen.AlphaString(),
		gen.Float64Range(-1e6, 1e6),
		gen.Bool(),
		gen.IntRange(0, 3599),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
