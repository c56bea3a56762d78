package tokenstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func exerciseStore(t *testing.T, s Store, c *clock) {
	req := require.New(t)

	req.Error(s.Save(Entry{SessionID: "s1"}))

	req.NoError(s.Save(Entry{SessionID: "s1", Token: "t1", ExpiresAt: c.t.Add(48 * time.Hour)}))
	req.NoError(s.Save(Entry{SessionID: "s2", Token: "t2", ExpiresAt: c.t.Add(time.Hour)}))

	c.t = c.t.Add(time.Minute)
	e, err := s.Get("s1")
	req.NoError(err)
	req.Equal("t1", e.Token)
	req.True(e.LastAccessed.Equal(c.t))

	all, err := s.All()
	req.NoError(err)
	req.Len(all, 2)
	req.Equal("s1", all[0].SessionID, "most recently accessed first")

	_, err = s.Get("missing")
	req.ErrorIs(err, ErrNotFound)

	c.t = c.t.Add(2 * time.Hour)
	_, err = s.Get("s2")
	req.ErrorIs(err, ErrNotFound, "expired entries are never returned")

	all, err = s.All()
	req.NoError(err)
	req.Len(all, 1)

	n, err := s.PurgeExpired()
	req.NoError(err)
	req.Equal(1, n)
	n, err = s.PurgeExpired()
	req.NoError(err)
	req.Equal(0, n)

	req.NoError(s.Save(Entry{SessionID: "s1", Token: "t1b", ExpiresAt: c.t.Add(48 * time.Hour)}))
	e, err = s.Get("s1")
	req.NoError(err)
	req.Equal("t1b", e.Token, "save replaces the session's token")
}

func TestMemoryStore(t *testing.T) {
	c := &clock{t: time.Now()}
	exerciseStore(t, NewMemoryStore(c.now), c)
}

func TestBadgerStore_InMemory(t *testing.T) {
	c := &clock{t: time.Now()}
	s, err := OpenBadgerStore("", c.now)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s, c)
}

func TestBadgerStore_Reopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	c := &clock{t: time.Now()}

	s, err := OpenBadgerStore(dir, c.now)
	req.NoError(err)
	req.NoError(s.Save(Entry{SessionID: "s1", Token: "t1", ExpiresAt: c.t.Add(48 * time.Hour)}))
	req.NoError(s.Close())

	s, err = OpenBadgerStore(dir, c.now)
	req.NoError(err)
	defer s.Close()
	e, err := s.Get("s1")
	req.NoError(err)
	req.Equal("t1", e.Token)
}
