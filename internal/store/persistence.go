package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sanctuary-live/internal/model"
)

type persistedCatalogue struct {
	Version  int             `json:"version"`
	Sessions []model.Session `json:"sessions"`
	Accounts []model.Account `json:"accounts"`
	SavedAt  int64           `json:"savedAt"`
}

type catalogueSnapshot struct {
	sessions []model.Session
	accounts []model.Account
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedCatalogue
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported catalogue state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range file.Sessions {
		if sess.ID == "" {
			continue
		}
		s.sessionsByID[sess.ID] = sess
	}
	for _, acc := range file.Accounts {
		if acc.PublicKey == "" {
			continue
		}
		s.accountsByPublicKey[acc.PublicKey] = acc
	}
	return nil
}

func (s *Store) snapshotLocked() *catalogueSnapshot {
	if s.stateFile == "" {
		return nil
	}
	snap := &catalogueSnapshot{
		sessions: make([]model.Session, 0, len(s.sessionsByID)),
		accounts: make([]model.Account, 0, len(s.accountsByPublicKey)),
	}
	for _, sess := range s.sessionsByID {
		snap.sessions = append(snap.sessions, sess)
	}
	for _, acc := range s.accountsByPublicKey {
		snap.accounts = append(snap.accounts, acc)
	}
	sort.Slice(snap.sessions, func(i, j int) bool { return snap.sessions[i].ID < snap.sessions[j].ID })
	sort.Slice(snap.accounts, func(i, j int) bool { return snap.accounts[i].ID < snap.accounts[j].ID })
	return snap
}

// persist writes the snapshot through a temp file and rename so a crash never
// leaves a truncated catalogue behind.
func (s *Store) persist(snap *catalogueSnapshot) {
	if snap == nil {
		return
	}
	path := s.stateFile

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := writeAtomic(path, persistedCatalogue{
		Version:  1,
		Sessions: snap.sessions,
		Accounts: snap.accounts,
		SavedAt:  time.Now().UnixMilli(),
	}); err != nil {
		s.log.Error().Err(err).Str("file", path).Msg("catalogue persist failed")
	}
}

func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
