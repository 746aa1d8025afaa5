// Package syncer reconciles the client's local cache with the server.
// The merge treats server-origin data as always fresher and
// client-origin data as append-only until the server confirms it;
// local entities are pushed lazily, on first interaction, never in
// bulk at login.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"relaychat/internal/apiclient"
	"relaychat/internal/localstore"
	"relaychat/internal/model"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseChecking    Phase = "checking"
	PhaseLoading     Phase = "loading"
	PhaseReadyNoSync Phase = "ready_no_sync"
	PhaseMerging     Phase = "merging"
	PhaseComplete    Phase = "complete"
)

type Engine struct {
	store *localstore.Store
	api   *apiclient.Client

	mu         sync.Mutex
	phase      Phase
	syncedUser string
	inflight   string
}

func New(store *localstore.Store, api *apiclient.Client) *Engine {
	return &Engine{store: store, api: api, phase: PhaseIdle}
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// HandleAuthChange drives the machine on every authentication
// transition: a user id runs the login merge, an empty id the logout
// purge. A second call for a user whose sync is running or complete is
// a no-op.
func (e *Engine) HandleAuthChange(ctx context.Context, user string) error {
	if user == "" {
		return e.logout()
	}
	return e.login(ctx, user)
}

func (e *Engine) login(ctx context.Context, user string) error {
	e.mu.Lock()
	if e.syncedUser == user && e.phase == PhaseComplete {
		e.mu.Unlock()
		return nil
	}
	if e.inflight == user {
		e.mu.Unlock()
		return nil
	}
	e.inflight = user
	e.phase = PhaseChecking
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inflight = ""
		e.mu.Unlock()
	}()

	status, err := e.api.AuthStatus(ctx)
	if err != nil {
		e.setPhase(PhaseIdle)
		return fmt.Errorf("check auth status failed: %w", err)
	}
	if !status.Configured {
		e.setPhase(PhaseReadyNoSync)
		return nil
	}

	e.setPhase(PhaseLoading)
	snapshot, err := e.api.Snapshot(ctx)
	if err != nil {
		e.setPhase(PhaseIdle)
		return fmt.Errorf("load snapshot failed: %w", err)
	}

	e.setPhase(PhaseMerging)
	if err := e.store.Update(func(st *localstore.State) error {
		mergeSnapshot(st, user, snapshot)
		return nil
	}); err != nil {
		e.setPhase(PhaseIdle)
		return fmt.Errorf("merge snapshot failed: %w", err)
	}

	e.mu.Lock()
	e.phase = PhaseComplete
	e.syncedUser = user
	e.mu.Unlock()
	return nil
}

// logout purges server-origin entities but keeps hybrid folders, the
// database folders that still hold unsynced local chats, so those
// chats keep a home.
func (e *Engine) logout() error {
	err := e.store.Update(func(st *localstore.State) error {
		kept := st.Chats[:0]
		for _, chat := range st.Chats {
			if !chat.Origin.IsDatabase() {
				kept = append(kept, chat)
			}
		}
		st.Chats = kept

		referenced := make(map[string]bool)
		for _, chat := range st.Chats {
			if chat.FolderID != "" {
				referenced[chat.FolderID] = true
			}
		}
		keptFolders := st.Folders[:0]
		for _, folder := range st.Folders {
			if !folder.Origin.IsDatabase() || referenced[folder.ID] {
				keptFolders = append(keptFolders, folder)
			}
		}
		st.Folders = keptFolders

		keptPrompts := st.Prompts[:0]
		for _, prompt := range st.Prompts {
			if !prompt.Origin.IsDatabase() {
				keptPrompts = append(keptPrompts, prompt)
			}
		}
		st.Prompts = keptPrompts

		st.Preferences = localstore.DefaultPreferences()
		st.LastUser = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("logout purge failed: %w", err)
	}

	e.mu.Lock()
	e.phase = PhaseIdle
	e.syncedUser = ""
	e.mu.Unlock()
	return nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// mergeSnapshot applies the merge-by-source-and-id rules. It is a pure
// state transform: running it twice with the same snapshot gives the
// same result, which is what makes retried logins safe.
func mergeSnapshot(st *localstore.State, user string, snap *model.Snapshot) {
	serverChats := make(map[string]bool, len(snap.Chats))
	for _, c := range snap.Chats {
		serverChats[c.ID] = true
	}
	serverFolders := make(map[string]bool, len(snap.Folders))
	for _, f := range snap.Folders {
		serverFolders[f.ID] = true
	}
	serverPromptNames := make(map[string]bool, len(snap.Prompts))
	for _, p := range snap.Prompts {
		serverPromptNames[strings.ToLower(p.Name)] = true
	}

	// Message bodies are not part of the snapshot; carry over what an
	// earlier hydration already fetched for chats that still exist.
	hydrated := make(map[string][]localstore.Message)
	for _, chat := range st.Chats {
		if chat.Origin.IsDatabase() && len(chat.Messages) > 0 {
			hydrated[chat.ID] = chat.Messages
		}
	}

	// Server entries first, then the surviving client-origin entries.
	// A local entry whose natural key collides with a server entry is
	// dropped: the server copy is the migrated truth.
	chats := make([]localstore.Chat, 0, len(snap.Chats))
	for _, v := range snap.Chats {
		chats = append(chats, chatFromView(v, hydrated[v.ID]))
	}
	for _, chat := range st.Chats {
		if chat.Origin.IsDatabase() || serverChats[chat.ID] {
			continue
		}
		chats = append(chats, chat)
	}
	st.Chats = chats

	folders := make([]localstore.Folder, 0, len(snap.Folders))
	for _, v := range snap.Folders {
		folders = append(folders, localstore.Folder{
			ID:       v.ID,
			Name:     v.Name,
			Position: v.Position,
			Origin:   localstore.Database(v.ID),
		})
	}
	for _, folder := range st.Folders {
		if folder.Origin.IsDatabase() || serverFolders[folder.ID] {
			continue
		}
		folders = append(folders, folder)
	}
	st.Folders = folders

	prompts := make([]localstore.Prompt, 0, len(snap.Prompts))
	for _, v := range snap.Prompts {
		prompts = append(prompts, localstore.Prompt{
			ID:      v.ID,
			Name:    v.Name,
			Content: v.Content,
			Origin:  localstore.Database(v.ID),
		})
	}
	for _, prompt := range st.Prompts {
		if prompt.Origin.IsDatabase() || serverPromptNames[strings.ToLower(prompt.Name)] {
			continue
		}
		prompts = append(prompts, prompt)
	}
	st.Prompts = prompts

	if snap.Preferences != nil {
		st.Preferences = localstore.Preferences{
			SelectedModel:      snap.Preferences.SelectedModel,
			SystemPrompt:       snap.Preferences.SystemPrompt,
			Temperature:        snap.Preferences.Temperature,
			TopP:               snap.Preferences.TopP,
			LastSelectedChatID: deref(snap.Preferences.LastSelectedChatID),
		}
	}
	st.LastUser = user
}

func chatFromView(v model.ChatView, messages []localstore.Message) localstore.Chat {
	return localstore.Chat{
		ID:              v.ID,
		Name:            v.Name,
		ModelID:         v.ModelID,
		SystemPrompt:    v.SystemPrompt,
		FolderID:        deref(v.FolderID),
		ParentChatID:    deref(v.ParentChatID),
		BranchedAtIndex: v.BranchedAtIndex,
		Origin:          localstore.Database(v.ID),
		LastSynced:      v.UpdatedAt,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
		Messages:        messages,
	}
}

// HydrateMessages fetches bodies for the given chats in one bulk read.
// Chats the server does not return (deleted elsewhere, or not yet
// synced) keep their current messages.
func (e *Engine) HydrateMessages(ctx context.Context, chatIDs []string) error {
	if len(chatIDs) == 0 {
		return nil
	}
	bodies, err := e.api.BulkMessages(ctx, chatIDs)
	if err != nil {
		return fmt.Errorf("hydrate messages failed: %w", err)
	}
	return e.store.Update(func(st *localstore.State) error {
		for chatID, views := range bodies {
			chat := st.Chat(chatID)
			if chat == nil {
				continue
			}
			messages := make([]localstore.Message, 0, len(views))
			for _, v := range views {
				messages = append(messages, localstore.Message{
					ID:         v.ID,
					Role:       v.Role,
					Content:    v.Content,
					Position:   v.Position,
					TokenCount: v.TokenCount,
					CreatedAt:  v.CreatedAt,
					Synced:     true,
				})
			}
			chat.Messages = messages
		}
		return nil
	})
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
