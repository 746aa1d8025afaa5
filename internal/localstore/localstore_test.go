package localstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestOpenFreshStore(t *testing.T) {
	s, path := openTemp(t)

	s.View(func(st State) {
		if st.SchemaVersion != SchemaVersion {
			t.Errorf("SchemaVersion = %d, want %d", st.SchemaVersion, SchemaVersion)
		}
		if st.Preferences != DefaultPreferences() {
			t.Errorf("Preferences = %+v, want defaults", st.Preferences)
		}
		if len(st.Chats)+len(st.Folders)+len(st.Prompts) != 0 {
			t.Errorf("fresh state not empty: %+v", st)
		}
	})

	// Nothing hits the disk until the first update.
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("fresh open wrote a file: %v", err)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	s, path := openTemp(t)

	err := s.Update(func(st *State) error {
		st.Chats = append(st.Chats, Chat{
			ID: "c1", Name: "notes", ModelID: "swift-mini", Origin: Local(),
			Messages: []Message{{ID: "m1", Role: "user", Content: "hi", Position: 0}},
		})
		st.Folders = append(st.Folders, Folder{ID: "f1", Name: "work", Origin: Local()})
		st.Prompts = append(st.Prompts, Prompt{ID: "p1", Name: "review", Content: "x", Origin: Local()})
		st.Preferences.SelectedModel = "swift-large"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left behind: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopened.View(func(st State) {
		chat := st.Chat("c1")
		if chat == nil || chat.Name != "notes" || len(chat.Messages) != 1 {
			t.Fatalf("chat not persisted: %+v", st.Chats)
		}
		if !chat.Origin.IsLocal() {
			t.Errorf("origin = %+v, want local", chat.Origin)
		}
		if st.Folder("f1") == nil || st.Prompt("p1") == nil {
			t.Error("folder or prompt not persisted")
		}
		if st.Preferences.SelectedModel != "swift-large" {
			t.Errorf("preferences not persisted: %+v", st.Preferences)
		}
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Update(func(st *State) error {
		st.Chats = append(st.Chats, Chat{ID: "c1", Name: "original", Origin: Local()})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(func(st *State) error {
		st.Chats[0].Name = "mutated"
		st.Chats = append(st.Chats, Chat{ID: "c2", Origin: Local()})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	s.View(func(st State) {
		if len(st.Chats) != 1 || st.Chats[0].Name != "original" {
			t.Fatalf("state not rolled back: %+v", st.Chats)
		}
	})
}

func TestViewHandsOutCopies(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Update(func(st *State) error {
		st.Chats = append(st.Chats, Chat{
			ID: "c1", Name: "original", Origin: Local(),
			Messages: []Message{{ID: "m1", Content: "original"}},
		})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.View(func(st State) {
		st.Chats[0].Name = "scribbled"
		st.Chats[0].Messages[0].Content = "scribbled"
	})

	s.View(func(st State) {
		if st.Chats[0].Name != "original" || st.Chats[0].Messages[0].Content != "original" {
			t.Fatalf("view mutation leaked into store: %+v", st.Chats[0])
		}
	})
}

func TestRewriteChatID(t *testing.T) {
	st := State{
		Chats: []Chat{
			{ID: "a"},
			{ID: "b", ParentChatID: "a"},
		},
		Preferences: Preferences{LastSelectedChatID: "a"},
	}

	st.RewriteChatID("a", "z")

	if st.Chat("z") == nil || st.Chat("a") != nil {
		t.Fatalf("chat id not rewritten: %+v", st.Chats)
	}
	if st.Chats[1].ParentChatID != "z" {
		t.Errorf("parent reference not rewritten: %+v", st.Chats[1])
	}
	if st.Preferences.LastSelectedChatID != "z" {
		t.Errorf("preference reference not rewritten: %q", st.Preferences.LastSelectedChatID)
	}
}

func TestRewriteFolderID(t *testing.T) {
	st := State{
		Folders: []Folder{{ID: "f"}},
		Chats:   []Chat{{ID: "c", FolderID: "f"}, {ID: "d", FolderID: "other"}},
	}

	st.RewriteFolderID("f", "srv-f")

	if st.Folder("srv-f") == nil || st.Folder("f") != nil {
		t.Fatalf("folder id not rewritten: %+v", st.Folders)
	}
	if st.Chats[0].FolderID != "srv-f" {
		t.Errorf("chat folder reference not rewritten: %+v", st.Chats[0])
	}
	if st.Chats[1].FolderID != "other" {
		t.Errorf("unrelated folder reference touched: %+v", st.Chats[1])
	}
}

func TestOpenMigratesLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	legacy := `{
  "last_user": "7",
  "chats": [
    {"id": "a", "name": "synced", "source": "database", "database_id": "srv-a"},
    {"id": "b", "name": "draft"}
  ],
  "folders": [{"id": "f", "name": "work", "source": "local"}],
  "prompts": [
    {"id": "p", "name": "review", "content": "x", "source": "database", "database_id": "srv-p"},
    {"id": "q", "name": "odd", "content": "y", "source": "database"}
  ],
  "preferences": {"selected_model": "auto", "temperature": 0.7, "top_p": 1}
}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy doc: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s.View(func(st State) {
		a := st.Chat("a")
		if a == nil || !a.Origin.IsDatabase() || a.Origin.ServerID != "srv-a" {
			t.Errorf("legacy database chat origin = %+v", a)
		}
		if b := st.Chat("b"); b == nil || !b.Origin.IsLocal() {
			t.Errorf("untagged chat origin = %+v", b)
		}
		if f := st.Folder("f"); f == nil || !f.Origin.IsLocal() {
			t.Errorf("legacy local folder origin = %+v", f)
		}
		if p := st.Prompt("p"); p == nil || !p.Origin.IsDatabase() || p.Origin.ServerID != "srv-p" {
			t.Errorf("legacy database prompt origin = %+v", p)
		}
		// A database source without an id cannot be trusted; it falls
		// back to local and re-syncs on the next merge.
		if q := st.Prompt("q"); q == nil || !q.Origin.IsLocal() {
			t.Errorf("id-less database prompt origin = %+v", q)
		}
		if st.LastUser != "7" {
			t.Errorf("LastUser = %q, want 7", st.LastUser)
		}
	})

	// The migrated document replaced the legacy one on disk.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migrated doc: %v", err)
	}
	if !strings.Contains(string(raw), `"schema_version": 2`) {
		t.Error("migrated document missing schema version")
	}
	if strings.Contains(string(raw), `"source"`) {
		t.Error("legacy source field survived migration")
	}
}

func TestOpenLeavesCurrentDocumentAlone(t *testing.T) {
	s, path := openTemp(t)
	if err := s.Update(func(st *State) error {
		st.Chats = append(st.Chats, Chat{ID: "c1", Origin: Local()})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := Open(path); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("reopen rewrote an up-to-date document")
	}
}
