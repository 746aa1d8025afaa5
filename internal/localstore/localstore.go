// Package localstore is the client-side cache: one JSON document per
// profile, written atomically and migrated in place when the schema
// grows. It mirrors what a browser would keep in local storage, so
// entities hold plaintext and carry an origin tag for the sync engine.
package localstore

import "time"

// SchemaVersion is the current on-disk document version. Open migrates
// older documents before handing state out.
const SchemaVersion = 2

type OriginKind string

const (
	// OriginLocal marks an entity created on this client and never
	// confirmed by the server.
	OriginLocal OriginKind = "local"
	// OriginDatabase marks a server-confirmed entity; ServerID is
	// always set.
	OriginDatabase OriginKind = "database"
	// OriginPending marks an entity whose first push is in flight.
	OriginPending OriginKind = "pending_sync"
)

// Origin says where an entity currently lives. Use the constructors so
// a database origin never exists without its server id.
type Origin struct {
	Kind     OriginKind `json:"kind"`
	ServerID string     `json:"server_id,omitempty"`
}

func Local() Origin { return Origin{Kind: OriginLocal} }

func Database(serverID string) Origin {
	return Origin{Kind: OriginDatabase, ServerID: serverID}
}

func Pending() Origin { return Origin{Kind: OriginPending} }

func (o Origin) IsLocal() bool    { return o.Kind == OriginLocal }
func (o Origin) IsDatabase() bool { return o.Kind == OriginDatabase }
func (o Origin) IsPending() bool  { return o.Kind == OriginPending }

type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Position   int       `json:"position"`
	TokenCount *int      `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Synced flips once the server confirmed this message; unsynced
	// messages are re-pushed on the next interaction with the chat.
	Synced bool `json:"synced,omitempty"`
}

type Chat struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ModelID         string    `json:"model_id"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	FolderID        string    `json:"folder_id,omitempty"`
	ParentChatID    string    `json:"parent_chat_id,omitempty"`
	BranchedAtIndex *int      `json:"branched_at_index,omitempty"`
	Origin          Origin    `json:"origin"`
	LastSynced      time.Time `json:"last_synced"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Messages        []Message `json:"messages,omitempty"`
}

type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position *int   `json:"position,omitempty"`
	Origin   Origin `json:"origin"`
}

type Prompt struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Origin  Origin `json:"origin"`
}

type Preferences struct {
	SelectedModel      string  `json:"selected_model"`
	SystemPrompt       string  `json:"system_prompt,omitempty"`
	Temperature        float64 `json:"temperature"`
	TopP               float64 `json:"top_p"`
	LastSelectedChatID string  `json:"last_selected_chat_id,omitempty"`
}

// DefaultPreferences are the logout/reset values.
func DefaultPreferences() Preferences {
	return Preferences{SelectedModel: "auto", Temperature: 0.7, TopP: 1}
}

// State is the whole document. LastUser scopes the cached database
// entities to the account that produced them.
type State struct {
	SchemaVersion int         `json:"schema_version"`
	LastUser      string      `json:"last_user,omitempty"`
	Chats         []Chat      `json:"chats"`
	Folders       []Folder    `json:"folders"`
	Prompts       []Prompt    `json:"prompts"`
	Preferences   Preferences `json:"preferences"`
}

func (s *State) Chat(id string) *Chat {
	for i := range s.Chats {
		if s.Chats[i].ID == id {
			return &s.Chats[i]
		}
	}
	return nil
}

func (s *State) Folder(id string) *Folder {
	for i := range s.Folders {
		if s.Folders[i].ID == id {
			return &s.Folders[i]
		}
	}
	return nil
}

func (s *State) Prompt(id string) *Prompt {
	for i := range s.Prompts {
		if s.Prompts[i].ID == id {
			return &s.Prompts[i]
		}
	}
	return nil
}

func (s *State) RemoveChat(id string) {
	for i := range s.Chats {
		if s.Chats[i].ID == id {
			s.Chats = append(s.Chats[:i], s.Chats[i+1:]...)
			return
		}
	}
}

func (s *State) RemoveFolder(id string) {
	for i := range s.Folders {
		if s.Folders[i].ID == id {
			s.Folders = append(s.Folders[:i], s.Folders[i+1:]...)
			return
		}
	}
}

func (s *State) RemovePrompt(id string) {
	for i := range s.Prompts {
		if s.Prompts[i].ID == id {
			s.Prompts = append(s.Prompts[:i], s.Prompts[i+1:]...)
			return
		}
	}
}

// RewriteChatID changes a chat's identity together with every
// reference to it, so one Update persists all of it in a single write
// and no reader ever sees a dangling reference.
func (s *State) RewriteChatID(oldID, newID string) {
	if oldID == newID {
		return
	}
	for i := range s.Chats {
		if s.Chats[i].ID == oldID {
			s.Chats[i].ID = newID
		}
		if s.Chats[i].ParentChatID == oldID {
			s.Chats[i].ParentChatID = newID
		}
	}
	if s.Preferences.LastSelectedChatID == oldID {
		s.Preferences.LastSelectedChatID = newID
	}
}

// RewriteFolderID is RewriteChatID for folders: the folder and every
// chat pointing at it move together.
func (s *State) RewriteFolderID(oldID, newID string) {
	if oldID == newID {
		return
	}
	for i := range s.Folders {
		if s.Folders[i].ID == oldID {
			s.Folders[i].ID = newID
		}
	}
	for i := range s.Chats {
		if s.Chats[i].FolderID == oldID {
			s.Chats[i].FolderID = newID
		}
	}
}
