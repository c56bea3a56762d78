// Package store is the session catalogue: the metadata of every sanctuary
// (topic, capacity, schedule, status) and the device accounts that create
// them. Live roster state is owned by the sanctuary engine, not here.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sanctuary-live/internal/model"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidStatus = errors.New("invalid status transition")
)

type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	log       zerolog.Logger
	now       func() time.Time

	accountsByPublicKey map[string]model.Account
	sessionsByID        map[string]model.Session
}

type Options struct {
	// StateFile, when set, receives a JSON snapshot of the catalogue after
	// every mutation and is loaded on startup.
	StateFile string
	Logger    zerolog.Logger
	Now       func() time.Time
}

func New() *Store {
	return NewWithOptions(Options{Logger: zerolog.Nop()})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile:           opts.StateFile,
		log:                 opts.Logger.With().Str("module", "store").Logger(),
		now:                 opts.Now,
		accountsByPublicKey: make(map[string]model.Account),
		sessionsByID:        make(map[string]model.Session),
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.log.Error().Err(err).Str("file", s.stateFile).Msg("catalogue load failed")
		}
	}
	return s
}

// GetOrCreateAccount returns the account bound to publicKey, creating it with
// id on first sight.
func (s *Store) GetOrCreateAccount(publicKey, id, alias string) (model.Account, bool) {
	s.mu.Lock()
	if existing, ok := s.accountsByPublicKey[publicKey]; ok {
		s.mu.Unlock()
		return existing, false
	}
	if id == "" {
		id = uuid.NewString()
	}
	acc := model.Account{ID: id, PublicKey: publicKey, Alias: alias, CreatedAt: s.now()}
	s.accountsByPublicKey[publicKey] = acc
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return acc, true
}

// CreateSession stores a new active session. ID, Status and CreatedAt are
// assigned here; StartsAt defaults to now.
func (s *Store) CreateSession(sess model.Session) model.Session {
	now := s.now()
	sess.ID = uuid.NewString()
	sess.Status = model.SessionActive
	sess.CreatedAt = now
	if sess.StartsAt.IsZero() {
		sess.StartsAt = now
	}
	if sess.ModerationLevel == "" {
		sess.ModerationLevel = model.ModerationStandard
	}

	s.mu.Lock()
	s.sessionsByID[sess.ID] = sess
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return sess
}

func (s *Store) Get(id string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessionsByID[id]
	return sess, ok
}

// ListActive returns sessions that are active and not yet expired, newest
// first. Private sessions are included only when includePrivate is set.
func (s *Store) ListActive(includePrivate bool) []model.Session {
	now := s.now()

	s.mu.RLock()
	result := make([]model.Session, 0, len(s.sessionsByID))
	for _, sess := range s.sessionsByID {
		if sess.Status != model.SessionActive || sess.Expired(now) {
			continue
		}
		if !sess.Public && !includePrivate {
			continue
		}
		result = append(result, sess)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// SetStatus moves a session forward through active, ending, ended. Moving
// backwards is rejected; setting the current status is a no-op.
func (s *Store) SetStatus(id string, status model.SessionStatus) (model.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessionsByID[id]
	if !ok {
		s.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	if sess.Status == status {
		s.mu.Unlock()
		return sess, nil
	}
	if statusRank(status) < statusRank(sess.Status) {
		s.mu.Unlock()
		return sess, ErrInvalidStatus
	}
	sess.Status = status
	s.sessionsByID[id] = sess
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return sess, nil
}

// Expired returns the ids of active sessions whose ExpiresAt has passed.
func (s *Store) Expired(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, sess := range s.sessionsByID {
		if sess.Status != model.SessionEnded && sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func statusRank(st model.SessionStatus) int {
	switch st {
	case model.SessionActive:
		return 0
	case model.SessionEnding:
		return 1
	case model.SessionEnded:
		return 2
	}
	return -1
}
