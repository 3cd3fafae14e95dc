package services

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soaringjerry/Fieldform/internal/models"
	"github.com/soaringjerry/Fieldform/internal/objstore"
)

var errBackendDown = &objstore.TransientError{Op: "test", Err: errors.New("connection refused")}

// faultStore wraps a Memory store and fails operations whose key matches.
type faultStore struct {
	objstore.Store

	mu      sync.Mutex
	getFail map[string]error
	putFail map[string]error
	delFail map[string]error
	listErr error
	puts    []string

	afterPut func(key string)
}

func newFaultStore() *faultStore {
	return &faultStore{
		Store:   objstore.NewMemory(),
		getFail: map[string]error{},
		putFail: map[string]error{},
		delFail: map[string]error{},
	}
}

func matchFault(faults map[string]error, key string) error {
	for prefix, err := range faults {
		if strings.HasPrefix(key, prefix) {
			return err
		}
	}
	return nil
}

func (f *faultStore) failGet(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFail[prefix] = err
}

func (f *faultStore) failPut(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFail[prefix] = err
}

func (f *faultStore) failDelete(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delFail[prefix] = err
}

func (f *faultStore) failList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *faultStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFail = map[string]error{}
	f.putFail = map[string]error{}
	f.delFail = map[string]error{}
	f.listErr = nil
}

func (f *faultStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	err := matchFault(f.getFail, key)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *faultStore) Put(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	err := matchFault(f.putFail, key)
	if err == nil {
		f.puts = append(f.puts, key)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.Store.Put(ctx, key, body); err != nil {
		return err
	}
	if f.afterPut != nil {
		f.afterPut(key)
	}
	return nil
}

func (f *faultStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	err := matchFault(f.delFail, key)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

func (f *faultStore) List(ctx context.Context, prefix string) iter.Seq2[objstore.ObjectInfo, error] {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return func(yield func(objstore.ObjectInfo, error) bool) { yield(objstore.ObjectInfo{}, err) }
	}
	return f.Store.List(ctx, prefix)
}

func (f *faultStore) has(t *testing.T, key string) bool {
	t.Helper()
	_, err := f.Store.Get(context.Background(), key)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("get %s: %v", key, err)
	}
	return err == nil
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type repoFixture struct {
	store *faultStore
	clock *testClock
	repo  *SessionRepository
}

func newRepoFixture(opts ...RepositoryOption) *repoFixture {
	store := newFaultStore()
	clock := newTestClock()
	logger := discardLogger()
	base := []RepositoryOption{
		WithLogger(logger),
		WithCompletionChecker(NewCompletionRegistry(store, logger, nil)),
	}
	repo := NewSessionRepository(store, append(base, opts...)...)
	repo.now = clock.Now
	seq := 0
	repo.idGenerator = func() string {
		seq++
		return "s" + strconv.Itoa(seq)
	}
	return &repoFixture{store: store, clock: clock, repo: repo}
}

var (
	surveyMain = models.QuestionnaireID{Modules: []string{"big_five", "grit"}}
	surveyPost = models.QuestionnaireID{Modules: []string{"big_five"}, PostModules: []string{"feedback"}}
	alice      = models.Participant{FullName: "Alice Doe", Email: "Alice@Example.com"}
)
