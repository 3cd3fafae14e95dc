package services

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soaringjerry/Fieldform/internal/models"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 30 * time.Second
)

// SessionLoader is the read side the cache falls through to.
type SessionLoader interface {
	LoadByID(ctx context.Context, q models.QuestionnaireID, sessionID string) (*models.Session, error)
}

type cachedSession struct {
	session  *models.Session
	storedAt time.Time
}

// SessionCache is a small read-through cache in front of the repository. It
// only ever holds what this process wrote or read last; the store stays the
// source of truth, so entries are short-lived.
type SessionCache struct {
	loader SessionLoader
	cache  *lru.Cache[string, cachedSession]
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionCache(loader SessionLoader, size int, ttl time.Duration) *SessionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New[string, cachedSession](size)
	if err != nil {
		// lru.New only rejects non-positive sizes.
		panic(err)
	}
	return &SessionCache{loader: loader, cache: cache, ttl: ttl, now: time.Now}
}

// LoadByID returns a private copy of the session, loading it on a miss.
func (c *SessionCache) LoadByID(ctx context.Context, q models.QuestionnaireID, sessionID string) (*models.Session, error) {
	key := SessionKey(q.Key(), sessionID)
	if entry, ok := c.cache.Get(key); ok {
		if c.now().Sub(entry.storedAt) < c.ttl {
			return entry.session.Clone(), nil
		}
		c.cache.Remove(key)
	}
	s, err := c.loader.LoadByID(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	// Finalized sessions are served from their snapshot and never change again,
	// but they are rare and cheap to reload; keep only live ones.
	if s.Status != models.StatusCompleted {
		c.Put(s)
	}
	return s, nil
}

// Put refreshes the entry after a successful save.
func (c *SessionCache) Put(s *models.Session) {
	if c == nil || s == nil {
		return
	}
	c.cache.Add(SessionKey(s.QuestionnaireID, s.ID), cachedSession{session: s.Clone(), storedAt: c.now()})
}

func (c *SessionCache) Invalidate(questionnaire, sessionID string) {
	if c == nil {
		return
	}
	c.cache.Remove(SessionKey(questionnaire, sessionID))
}

func (c *SessionCache) Len() int { return c.cache.Len() }

var _ SessionLoader = (*SessionCache)(nil)
