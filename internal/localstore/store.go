package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store owns one state document on disk. All access goes through View
// and Update; Update persists with a write-then-rename so a crash can
// only ever leave the previous complete document behind.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

func Open(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.state = freshState()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state failed: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse state failed: %w", err)
	}
	migrated := migrate(doc)

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize state failed: %w", err)
	}
	if err := json.Unmarshal(normalized, &s.state); err != nil {
		return nil, fmt.Errorf("decode state failed: %w", err)
	}
	s.state.SchemaVersion = SchemaVersion

	if migrated {
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// View hands fn a deep copy, safe to retain after the call returns.
func (s *Store) View(fn func(State)) {
	s.mu.Lock()
	snapshot := cloneState(s.state)
	s.mu.Unlock()
	fn(snapshot)
}

// Update runs fn on the live state and persists the result. On any
// failure the in-memory state rolls back to match what is on disk.
func (s *Store) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := cloneState(s.state)
	if err := fn(&s.state); err != nil {
		s.state = backup
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.state = backup
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	payload, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state failed: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state dir failed: %w", err)
	}
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write state failed: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state failed: %w", err)
	}
	return nil
}

func freshState() State {
	return State{
		SchemaVersion: SchemaVersion,
		Preferences:   DefaultPreferences(),
	}
}

func cloneState(st State) State {
	out := st
	out.Chats = make([]Chat, len(st.Chats))
	for i := range st.Chats {
		out.Chats[i] = st.Chats[i]
		out.Chats[i].Messages = append([]Message(nil), st.Chats[i].Messages...)
	}
	out.Folders = append([]Folder(nil), st.Folders...)
	out.Prompts = append([]Prompt(nil), st.Prompts...)
	return out
}
