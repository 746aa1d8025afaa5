package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/apiclient"
	"relaychat/internal/localstore"
)

// Interaction-driven migration. Entities created while logged out
// carry a local origin; the first interaction after a completed sync
// pushes them to the server and retags them with the server's id.

// canPush reports whether interactions should mirror to the server.
// Before the login merge completes, everything stays local.
func (e *Engine) canPush() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == PhaseComplete
}

// SelectPrompt migrates a local prompt on first use. Selecting an
// already-synced prompt does nothing.
func (e *Engine) SelectPrompt(ctx context.Context, id string) error {
	if !e.canPush() {
		return nil
	}
	return e.pushPrompt(ctx, id)
}

func (e *Engine) pushPrompt(ctx context.Context, id string) error {
	var payload apiclient.PromptPayload
	found := false
	if err := e.store.Update(func(st *localstore.State) error {
		p := st.Prompt(id)
		if p == nil || !p.Origin.IsLocal() {
			return nil
		}
		found = true
		p.Origin = localstore.Pending()
		payload = apiclient.PromptPayload{ID: p.ID, Name: p.Name, Content: p.Content}
		return nil
	}); err != nil {
		return err
	}
	if !found {
		return nil
	}

	view, err := e.api.SavePrompt(ctx, payload)
	if err != nil {
		if revertErr := e.revertPrompt(id); revertErr != nil {
			return fmt.Errorf("revert prompt after push error %v: %w", err, revertErr)
		}
		return fmt.Errorf("push prompt failed: %w", err)
	}

	return e.store.Update(func(st *localstore.State) error {
		p := st.Prompt(id)
		if p == nil {
			return nil
		}
		// Saving a name the server already has lands on the existing
		// row, so the returned id can differ from the one sent.
		p.ID = view.ID
		p.Name = view.Name
		p.Content = view.Content
		p.Origin = localstore.Database(view.ID)
		return nil
	})
}

func (e *Engine) revertPrompt(id string) error {
	return e.store.Update(func(st *localstore.State) error {
		if p := st.Prompt(id); p != nil && p.Origin.IsPending() {
			p.Origin = localstore.Local()
		}
		return nil
	})
}

// SaveFolder upserts the folder locally and, once sync is complete,
// mirrors it to the server. A push failure leaves the folder local;
// the next edit or the folder hint on a chat push retries it.
func (e *Engine) SaveFolder(ctx context.Context, folder localstore.Folder) error {
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	id := folder.ID
	if err := e.store.Update(func(st *localstore.State) error {
		if existing := st.Folder(id); existing != nil {
			existing.Name = folder.Name
			existing.Position = intCopy(folder.Position)
			return nil
		}
		folder.Origin = localstore.Local()
		st.Folders = append(st.Folders, folder)
		return nil
	}); err != nil {
		return err
	}
	if !e.canPush() {
		return nil
	}
	return e.pushFolder(ctx, id)
}

func (e *Engine) pushFolder(ctx context.Context, id string) error {
	var payload apiclient.FolderPayload
	found := false
	e.store.View(func(st localstore.State) {
		if f := st.Folder(id); f != nil {
			found = true
			payload = apiclient.FolderPayload{ID: f.ID, Name: f.Name, Position: intCopy(f.Position)}
		}
	})
	if !found {
		return nil
	}

	view, err := e.api.SaveFolder(ctx, payload)
	if err != nil {
		return fmt.Errorf("push folder failed: %w", err)
	}
	return e.store.Update(func(st *localstore.State) error {
		if view.ID != id {
			st.RewriteFolderID(id, view.ID)
		}
		if f := st.Folder(view.ID); f != nil {
			f.Origin = localstore.Database(view.ID)
		}
		return nil
	})
}

// SendMessage appends to the chat locally, then brings the server copy
// current: the chat row first when it was never synced, followed by
// every message not yet confirmed. Offline messages accumulate and the
// next successful push drains them.
func (e *Engine) SendMessage(ctx context.Context, chatID string, msg localstore.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := e.store.Update(func(st *localstore.State) error {
		chat := st.Chat(chatID)
		if chat == nil {
			return fmt.Errorf("chat %s not found", chatID)
		}
		msg.Position = nextPosition(chat.Messages)
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.Synced = false
		chat.Messages = append(chat.Messages, msg)
		chat.UpdatedAt = msg.CreatedAt
		return nil
	}); err != nil {
		return err
	}
	if !e.canPush() {
		return nil
	}
	return e.pushChat(ctx, chatID)
}

// pushChat migrates a local chat and drains its unsynced messages. The
// chat is marked pending for the duration of the flight so a reader
// can tell an in-flight migration from a plain local chat.
func (e *Engine) pushChat(ctx context.Context, chatID string) error {
	var (
		payload   apiclient.ChatPayload
		needsChat bool
		unsynced  []apiclient.MessagePayload
		hintedID  string
	)
	if err := e.store.Update(func(st *localstore.State) error {
		chat := st.Chat(chatID)
		if chat == nil {
			return fmt.Errorf("chat %s not found", chatID)
		}
		if !chat.Origin.IsDatabase() {
			needsChat = true
			chat.Origin = localstore.Pending()
			payload = apiclient.ChatPayload{
				ID:              chat.ID,
				Name:            chat.Name,
				Model:           chat.ModelID,
				SystemPrompt:    chat.SystemPrompt,
				BranchedAtIndex: intCopy(chat.BranchedAtIndex),
			}
			if chat.FolderID != "" {
				payload.FolderID = strCopy(chat.FolderID)
				// A folder the server has never seen rides along as a
				// hint so the chat does not land unfiled.
				if f := st.Folder(chat.FolderID); f != nil && !f.Origin.IsDatabase() {
					payload.Folder = &apiclient.FolderHint{ID: f.ID, Name: f.Name, Position: intCopy(f.Position)}
					hintedID = f.ID
				}
			}
			if chat.ParentChatID != "" {
				payload.ParentChatID = strCopy(chat.ParentChatID)
			}
		}
		for _, m := range chat.Messages {
			if m.Synced {
				continue
			}
			unsynced = append(unsynced, apiclient.MessagePayload{
				ID:         m.ID,
				Role:       m.Role,
				Content:    m.Content,
				Position:   m.Position,
				TokenCount: intCopy(m.TokenCount),
			})
		}
		return nil
	}); err != nil {
		return err
	}

	serverID := chatID
	if needsChat {
		view, err := e.api.SaveChat(ctx, payload)
		if err != nil {
			if revertErr := e.revertChat(chatID); revertErr != nil {
				return fmt.Errorf("revert chat after push error %v: %w", err, revertErr)
			}
			return fmt.Errorf("push chat failed: %w", err)
		}
		serverID = view.ID
		if err := e.store.Update(func(st *localstore.State) error {
			if view.ID != chatID {
				st.RewriteChatID(chatID, view.ID)
			}
			if chat := st.Chat(view.ID); chat != nil {
				chat.Origin = localstore.Database(view.ID)
				chat.LastSynced = view.UpdatedAt
			}
			if hintedID != "" {
				if f := st.Folder(hintedID); f != nil {
					f.Origin = localstore.Database(f.ID)
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if len(unsynced) == 0 {
		return nil
	}
	result, err := e.api.SaveMessages(ctx, serverID, unsynced)
	if err != nil {
		return fmt.Errorf("push messages failed: %w", err)
	}
	saved := make(map[string]bool, len(result.Saved))
	for _, id := range result.Saved {
		saved[id] = true
	}
	return e.store.Update(func(st *localstore.State) error {
		chat := st.Chat(serverID)
		if chat == nil {
			return nil
		}
		for i := range chat.Messages {
			if saved[chat.Messages[i].ID] {
				chat.Messages[i].Synced = true
			}
		}
		return nil
	})
}

func (e *Engine) revertChat(id string) error {
	return e.store.Update(func(st *localstore.State) error {
		if chat := st.Chat(id); chat != nil && chat.Origin.IsPending() {
			chat.Origin = localstore.Local()
		}
		return nil
	})
}

// PushPreferences mirrors local preferences to the server. Chat
// selection travels only when the selected chat exists server-side.
func (e *Engine) PushPreferences(ctx context.Context) error {
	if !e.canPush() {
		return nil
	}
	var payload apiclient.SettingsPayload
	e.store.View(func(st localstore.State) {
		payload = apiclient.SettingsPayload{
			SelectedModel: st.Preferences.SelectedModel,
			SystemPrompt:  st.Preferences.SystemPrompt,
			Temperature:   st.Preferences.Temperature,
			TopP:          st.Preferences.TopP,
		}
		if id := st.Preferences.LastSelectedChatID; id != "" {
			if chat := st.Chat(id); chat != nil && chat.Origin.IsDatabase() {
				payload.LastSelectedChatID = strCopy(id)
			}
		}
	})
	if err := e.api.SaveSettings(ctx, payload); err != nil {
		return fmt.Errorf("push preferences failed: %w", err)
	}
	return nil
}

// SyncDeferred pushes what accumulates between interactions: local
// prompts and the preference blob. The background loop calls this on
// its debounce schedule.
func (e *Engine) SyncDeferred(ctx context.Context) error {
	if !e.canPush() {
		return nil
	}
	var promptIDs []string
	e.store.View(func(st localstore.State) {
		for _, p := range st.Prompts {
			if p.Origin.IsLocal() {
				promptIDs = append(promptIDs, p.ID)
			}
		}
	})
	for _, id := range promptIDs {
		if err := e.pushPrompt(ctx, id); err != nil {
			return err
		}
	}
	return e.PushPreferences(ctx)
}

func nextPosition(messages []localstore.Message) int {
	next := 0
	for _, m := range messages {
		if m.Position >= next {
			next = m.Position + 1
		}
	}
	return next
}

func strCopy(s string) *string {
	v := s
	return &v
}

func intCopy(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
