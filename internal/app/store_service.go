package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaychat/internal/apperr"
	"relaychat/internal/cache"
	"relaychat/internal/model"
	"relaychat/internal/repository"
	"relaychat/internal/vault"
)

// decryptPlaceholder is returned verbatim for any record whose content
// cannot be decrypted, so one bad row never hides the rest of a chat.
const decryptPlaceholder = "[message could not be decrypted]"

const defaultChatName = "New Chat"

var allowedRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

type StoreService struct {
	chatRepo    *repository.ChatRepository
	messageRepo *repository.MessageRepository
	folderRepo  *repository.FolderRepository
	promptRepo  *repository.PromptRepository
	prefRepo    *repository.PreferenceRepository
	vault       *vault.Vault
	snapshots   *cache.SnapshotCache
}

func NewStoreService(
	chatRepo *repository.ChatRepository,
	messageRepo *repository.MessageRepository,
	folderRepo *repository.FolderRepository,
	promptRepo *repository.PromptRepository,
	prefRepo *repository.PreferenceRepository,
	v *vault.Vault,
	snapshots *cache.SnapshotCache,
) *StoreService {
	return &StoreService{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		folderRepo:  folderRepo,
		promptRepo:  promptRepo,
		prefRepo:    prefRepo,
		vault:       v,
		snapshots:   snapshots,
	}
}

// FolderHint lets a chat save create its folder on the fly when the
// client references a folder the server has never seen.
type FolderHint struct {
	ID       string
	Name     string
	Position *int
}

type SaveChatInput struct {
	UserID          uint
	ID              string
	Name            string
	ModelID         string
	SystemPrompt    string
	FolderID        *string
	FolderHint      *FolderHint
	ParentChatID    *string
	BranchedAtIndex *int
}

type MessageInput struct {
	ID         string
	Role       string
	Content    string
	Position   int
	TokenCount *int
}

type SaveMessagesInput struct {
	UserID   uint
	ChatID   string
	Messages []MessageInput
}

type MessageFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type SaveMessagesResult struct {
	Saved  []string         `json:"saved"`
	Failed []MessageFailure `json:"failed"`
}

type UpdateChatInput struct {
	UserID       uint
	ID           string
	Name         *string
	ModelID      *string
	SystemPrompt *string
	// FolderID moves the chat; an explicit empty string moves it back
	// to the root, nil leaves it untouched.
	FolderID *string
}

type SaveFolderInput struct {
	UserID   uint
	ID       string
	Name     string
	Position *int
}

type SavePromptInput struct {
	UserID  uint
	ID      string
	Name    string
	Content string
}

type SavePreferencesInput struct {
	UserID             uint
	SelectedModel      string
	SystemPrompt       string
	Temperature        float64
	TopP               float64
	LastSelectedChatID *string
}

func (s *StoreService) SaveChat(ctx context.Context, input SaveChatInput) (*model.ChatView, error) {
	chatID := strings.TrimSpace(input.ID)
	if err := validateClientID(chatID); err != nil {
		return nil, err
	}
	modelID := strings.TrimSpace(input.ModelID)
	if modelID == "" {
		return nil, apperr.Validation("model id is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = defaultChatName
	}

	folderID, err := s.resolveFolder(ctx, input.UserID, input.FolderID, input.FolderHint)
	if err != nil {
		return nil, err
	}

	encName, err := s.encryptField(input.UserID, name)
	if err != nil {
		return nil, err
	}
	encPrompt, err := s.encryptField(input.UserID, input.SystemPrompt)
	if err != nil {
		return nil, err
	}

	chat := &model.ChatSession{
		ID:              chatID,
		UserID:          input.UserID,
		Name:            encName,
		ModelID:         modelID,
		SystemPrompt:    encPrompt,
		FolderID:        folderID,
		ParentChatID:    input.ParentChatID,
		BranchedAtIndex: input.BranchedAtIndex,
	}
	if err := s.chatRepo.Upsert(ctx, chat); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperr.Conflict("chat id is already in use")
		}
		return nil, apperr.Database("save chat failed", err)
	}
	s.invalidateSnapshot(ctx, input.UserID)

	view := s.chatView(input.UserID, chat)
	return &view, nil
}

// SaveMessages persists a batch and reports per-message outcomes, so
// the client can retry failed items without resending the whole chat.
func (s *StoreService) SaveMessages(ctx context.Context, input SaveMessagesInput) (*SaveMessagesResult, error) {
	chatID := strings.TrimSpace(input.ChatID)
	if err := validateClientID(chatID); err != nil {
		return nil, err
	}
	if len(input.Messages) == 0 {
		return nil, apperr.Validation("no messages to save")
	}

	chat, err := s.chatRepo.GetByIDAndUserID(ctx, chatID, input.UserID)
	if err != nil {
		return nil, apperr.Database("load chat failed", err)
	}
	if chat == nil {
		return nil, apperr.NotFound("chat not found")
	}

	result := &SaveMessagesResult{}
	for _, msg := range input.Messages {
		if reason := s.saveOneMessage(ctx, input.UserID, chatID, msg); reason != "" {
			result.Failed = append(result.Failed, MessageFailure{ID: msg.ID, Reason: reason})
			continue
		}
		result.Saved = append(result.Saved, msg.ID)
	}

	if len(result.Saved) > 0 {
		// Bump recency so the chat list reorders, then drop the cached
		// snapshot.
		if err := s.chatRepo.UpdateFields(ctx, chatID, input.UserID, map[string]interface{}{
			"updated_at": time.Now(),
		}); err != nil {
			log.Printf("touch chat %s failed: %v", chatID, err)
		}
		s.invalidateSnapshot(ctx, input.UserID)
	}
	return result, nil
}

func (s *StoreService) saveOneMessage(ctx context.Context, userID uint, chatID string, msg MessageInput) string {
	id := strings.TrimSpace(msg.ID)
	if id == "" || len(id) > 36 {
		return "invalid message id"
	}
	if !allowedRoles[msg.Role] {
		return "invalid role"
	}
	if msg.Position < 0 {
		return "invalid position"
	}
	if strings.TrimSpace(msg.Content) == "" {
		return "empty content"
	}

	encContent, err := s.encryptField(userID, msg.Content)
	if err != nil {
		return "encryption error"
	}
	record := &model.Message{
		ID:            id,
		ChatSessionID: chatID,
		Role:          msg.Role,
		Content:       encContent,
		Position:      msg.Position,
		TokenCount:    msg.TokenCount,
	}
	if err := s.messageRepo.Upsert(ctx, record); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return "id or position conflict"
		}
		log.Printf("save message %s failed: %v", id, err)
		return "database error"
	}
	return ""
}

func (s *StoreService) LoadChats(ctx context.Context, userID uint) ([]model.ChatView, error) {
	chats, err := s.chatRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Database("list chats failed", err)
	}
	views := make([]model.ChatView, 0, len(chats))
	for i := range chats {
		views = append(views, s.chatView(userID, &chats[i]))
	}
	return views, nil
}

func (s *StoreService) LoadChatMessages(ctx context.Context, userID uint, chatID string) ([]model.MessageView, error) {
	chat, err := s.chatRepo.GetByIDAndUserID(ctx, chatID, userID)
	if err != nil {
		return nil, apperr.Database("load chat failed", err)
	}
	if chat == nil {
		return nil, apperr.NotFound("chat not found")
	}

	messages, err := s.messageRepo.ListByChatID(ctx, chatID)
	if err != nil {
		return nil, apperr.Database("list messages failed", err)
	}
	return s.messageViews(userID, messages), nil
}

// LoadBulkChatMessages serves the one big read at login: every
// requested chat's messages in a single round trip, decrypted with one
// key derivation.
func (s *StoreService) LoadBulkChatMessages(ctx context.Context, userID uint, chatIDs []string) (map[string][]model.MessageView, error) {
	out := make(map[string][]model.MessageView)
	if len(chatIDs) == 0 {
		return out, nil
	}

	owned, err := s.chatRepo.ListByIDsAndUserID(ctx, chatIDs, userID)
	if err != nil {
		return nil, apperr.Database("list chats failed", err)
	}
	if len(owned) == 0 {
		return out, nil
	}
	ownedIDs := make([]string, 0, len(owned))
	for i := range owned {
		ownedIDs = append(ownedIDs, owned[i].ID)
		out[owned[i].ID] = []model.MessageView{}
	}

	messages, err := s.messageRepo.ListByChatIDs(ctx, ownedIDs)
	if err != nil {
		return nil, apperr.Database("list messages failed", err)
	}

	views := s.messageViews(userID, messages)
	for i := range messages {
		chatID := messages[i].ChatSessionID
		out[chatID] = append(out[chatID], views[i])
	}
	return out, nil
}

func (s *StoreService) UpdateChat(ctx context.Context, input UpdateChatInput) error {
	chat, err := s.chatRepo.GetByIDAndUserID(ctx, input.ID, input.UserID)
	if err != nil {
		return apperr.Database("load chat failed", err)
	}
	if chat == nil {
		return apperr.NotFound("chat not found")
	}

	fields := map[string]interface{}{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return apperr.Validation("chat name cannot be empty")
		}
		enc, err := s.encryptField(input.UserID, name)
		if err != nil {
			return err
		}
		fields["name_ciphertext"] = enc.Ciphertext
		fields["name_iv"] = enc.IV
		fields["name_tag"] = enc.Tag
	}
	if input.ModelID != nil {
		modelID := strings.TrimSpace(*input.ModelID)
		if modelID == "" {
			return apperr.Validation("model id cannot be empty")
		}
		fields["model_id"] = modelID
	}
	if input.SystemPrompt != nil {
		enc, err := s.encryptField(input.UserID, *input.SystemPrompt)
		if err != nil {
			return err
		}
		fields["system_prompt_ciphertext"] = enc.Ciphertext
		fields["system_prompt_iv"] = enc.IV
		fields["system_prompt_tag"] = enc.Tag
	}
	if input.FolderID != nil {
		if *input.FolderID == "" {
			fields["folder_id"] = nil
		} else {
			folder, err := s.folderRepo.GetByIDAndUserID(ctx, *input.FolderID, input.UserID)
			if err != nil {
				return apperr.Database("load folder failed", err)
			}
			if folder == nil {
				return apperr.NotFound("folder not found")
			}
			fields["folder_id"] = *input.FolderID
		}
	}
	if len(fields) == 0 {
		return apperr.Validation("nothing to update")
	}
	fields["updated_at"] = time.Now()

	if err := s.chatRepo.UpdateFields(ctx, input.ID, input.UserID, fields); err != nil {
		return apperr.Database("update chat failed", err)
	}
	s.invalidateSnapshot(ctx, input.UserID)
	return nil
}

func (s *StoreService) DeleteChat(ctx context.Context, userID uint, chatID string) error {
	chat, err := s.chatRepo.GetByIDAndUserID(ctx, chatID, userID)
	if err != nil {
		return apperr.Database("load chat failed", err)
	}
	if chat == nil {
		return apperr.NotFound("chat not found")
	}
	if err := s.chatRepo.DeleteByIDAndUserID(ctx, chatID, userID); err != nil {
		return apperr.Database("delete chat failed", err)
	}
	s.invalidateSnapshot(ctx, userID)
	return nil
}

func (s *StoreService) SaveFolder(ctx context.Context, input SaveFolderInput) (*model.FolderView, error) {
	folderID := strings.TrimSpace(input.ID)
	if err := validateClientID(folderID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperr.Validation("folder name is required")
	}

	encName, err := s.encryptField(input.UserID, name)
	if err != nil {
		return nil, err
	}
	folder := &model.Folder{
		ID:       folderID,
		UserID:   input.UserID,
		Name:     encName,
		Position: input.Position,
	}
	if err := s.folderRepo.Upsert(ctx, folder); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperr.Conflict("folder id is already in use")
		}
		return nil, apperr.Database("save folder failed", err)
	}
	s.invalidateSnapshot(ctx, input.UserID)

	view := s.folderView(input.UserID, folder)
	return &view, nil
}

func (s *StoreService) ListFolders(ctx context.Context, userID uint) ([]model.FolderView, error) {
	folders, err := s.folderRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Database("list folders failed", err)
	}
	views := make([]model.FolderView, 0, len(folders))
	for i := range folders {
		views = append(views, s.folderView(userID, &folders[i]))
	}
	return views, nil
}

// DeleteFolder detaches the folder's chats back to the root before
// removing the folder row. Chats are never deleted with their folder.
func (s *StoreService) DeleteFolder(ctx context.Context, userID uint, folderID string) error {
	folder, err := s.folderRepo.GetByIDAndUserID(ctx, folderID, userID)
	if err != nil {
		return apperr.Database("load folder failed", err)
	}
	if folder == nil {
		return apperr.NotFound("folder not found")
	}
	if err := s.chatRepo.ClearFolder(ctx, folderID, userID); err != nil {
		return apperr.Database("detach chats failed", err)
	}
	if err := s.folderRepo.DeleteByIDAndUserID(ctx, folderID, userID); err != nil {
		return apperr.Database("delete folder failed", err)
	}
	s.invalidateSnapshot(ctx, userID)
	return nil
}

// SavePrompt replaces any existing prompt with the same name, matched
// through the name digest since names are stored encrypted.
func (s *StoreService) SavePrompt(ctx context.Context, input SavePromptInput) (*model.PromptView, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperr.Validation("prompt name is required")
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, apperr.Validation("prompt content is required")
	}

	promptID := strings.TrimSpace(input.ID)
	if promptID == "" {
		promptID = uuid.NewString()
	} else if len(promptID) > 36 {
		return nil, apperr.Validation("invalid id")
	}

	encName, err := s.encryptField(input.UserID, name)
	if err != nil {
		return nil, err
	}
	encContent, err := s.encryptField(input.UserID, content)
	if err != nil {
		return nil, err
	}

	digest := nameDigest(name)
	record := &model.SavedPrompt{
		ID:         promptID,
		UserID:     input.UserID,
		NameDigest: digest,
		Name:       encName,
		Content:    encContent,
	}
	if err := s.promptRepo.UpsertByDigest(ctx, record); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperr.Conflict("prompt id is already in use")
		}
		return nil, apperr.Database("save prompt failed", err)
	}

	// A replace keeps the original row id, so read the canonical row
	// back.
	stored, err := s.promptRepo.GetByDigest(ctx, input.UserID, digest)
	if err != nil {
		return nil, apperr.Database("load prompt failed", err)
	}
	if stored == nil {
		return nil, apperr.Database("load prompt failed", nil)
	}
	s.invalidateSnapshot(ctx, input.UserID)

	return &model.PromptView{
		ID:        stored.ID,
		Name:      name,
		Content:   content,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

func (s *StoreService) ListPrompts(ctx context.Context, userID uint) ([]model.PromptView, error) {
	prompts, err := s.promptRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Database("list prompts failed", err)
	}
	views := make([]model.PromptView, 0, len(prompts))
	for i := range prompts {
		p := &prompts[i]
		views = append(views, model.PromptView{
			ID:        p.ID,
			Name:      s.decryptField(userID, p.Name),
			Content:   s.decryptField(userID, p.Content),
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		})
	}
	return views, nil
}

func (s *StoreService) DeletePrompt(ctx context.Context, userID uint, promptID string) error {
	if err := s.promptRepo.DeleteByIDAndUserID(ctx, promptID, userID); err != nil {
		return apperr.Database("delete prompt failed", err)
	}
	s.invalidateSnapshot(ctx, userID)
	return nil
}

// GetPreferences returns nil when the user has never saved settings;
// the client falls back to its local defaults.
func (s *StoreService) GetPreferences(ctx context.Context, userID uint) (*model.PreferenceView, error) {
	pref, err := s.prefRepo.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Database("load preferences failed", err)
	}
	if pref == nil {
		return nil, nil
	}
	view := s.preferenceView(userID, pref)
	return &view, nil
}

func (s *StoreService) SavePreferences(ctx context.Context, input SavePreferencesInput) error {
	encPrompt, err := s.encryptField(input.UserID, input.SystemPrompt)
	if err != nil {
		return err
	}
	pref := &model.UserPreference{
		UserID:             input.UserID,
		SelectedModel:      strings.TrimSpace(input.SelectedModel),
		SystemPrompt:       encPrompt,
		Temperature:        input.Temperature,
		TopP:               input.TopP,
		LastSelectedChatID: input.LastSelectedChatID,
	}
	if err := s.prefRepo.Upsert(ctx, pref); err != nil {
		return apperr.Database("save preferences failed", err)
	}
	s.invalidateSnapshot(ctx, input.UserID)
	return nil
}

// Snapshot assembles the full per-user sync state, served from cache
// when a recent copy exists.
func (s *StoreService) Snapshot(ctx context.Context, userID uint) (*model.Snapshot, error) {
	if cached, ok, err := s.snapshots.Get(ctx, userID); err == nil && ok {
		return cached, nil
	}

	chats, err := s.LoadChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	folders, err := s.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}
	prompts, err := s.ListPrompts(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefs, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	snapshot := &model.Snapshot{
		Chats:       chats,
		Folders:     folders,
		Prompts:     prompts,
		Preferences: prefs,
	}
	if err := s.snapshots.Set(ctx, userID, snapshot); err != nil {
		log.Printf("cache snapshot for user %d failed: %v", userID, err)
	}
	return snapshot, nil
}

func (s *StoreService) resolveFolder(ctx context.Context, userID uint, folderID *string, hint *FolderHint) (*string, error) {
	if hint != nil {
		hintID := strings.TrimSpace(hint.ID)
		if err := validateClientID(hintID); err != nil {
			return nil, err
		}
		name := strings.TrimSpace(hint.Name)
		if name == "" {
			return nil, apperr.Validation("folder hint name is required")
		}
		encName, err := s.encryptField(userID, name)
		if err != nil {
			return nil, err
		}
		folder := &model.Folder{
			ID:       hintID,
			UserID:   userID,
			Name:     encName,
			Position: hint.Position,
		}
		if err := s.folderRepo.Upsert(ctx, folder); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, apperr.Conflict("folder id is already in use")
			}
			return nil, apperr.Database("create folder failed", err)
		}
		return &folder.ID, nil
	}

	if folderID == nil || *folderID == "" {
		return nil, nil
	}
	folder, err := s.folderRepo.GetByIDAndUserID(ctx, *folderID, userID)
	if err != nil {
		return nil, apperr.Database("load folder failed", err)
	}
	if folder == nil {
		// Unknown folder without a hint: keep the chat, drop the
		// reference.
		return nil, nil
	}
	return folderID, nil
}

func (s *StoreService) chatView(userID uint, chat *model.ChatSession) model.ChatView {
	return model.ChatView{
		ID:              chat.ID,
		Name:            s.decryptField(userID, chat.Name),
		ModelID:         chat.ModelID,
		SystemPrompt:    s.decryptField(userID, chat.SystemPrompt),
		FolderID:        chat.FolderID,
		ParentChatID:    chat.ParentChatID,
		BranchedAtIndex: chat.BranchedAtIndex,
		CreatedAt:       chat.CreatedAt,
		UpdatedAt:       chat.UpdatedAt,
	}
}

func (s *StoreService) folderView(userID uint, folder *model.Folder) model.FolderView {
	return model.FolderView{
		ID:        folder.ID,
		Name:      s.decryptField(userID, folder.Name),
		Position:  folder.Position,
		CreatedAt: folder.CreatedAt,
		UpdatedAt: folder.UpdatedAt,
	}
}

func (s *StoreService) preferenceView(userID uint, pref *model.UserPreference) model.PreferenceView {
	return model.PreferenceView{
		SelectedModel:      pref.SelectedModel,
		SystemPrompt:       s.decryptField(userID, pref.SystemPrompt),
		Temperature:        pref.Temperature,
		TopP:               pref.TopP,
		LastSelectedChatID: pref.LastSelectedChatID,
	}
}

// messageViews decrypts a batch with one key derivation and keeps index
// alignment with the input slice.
func (s *StoreService) messageViews(userID uint, messages []model.Message) []model.MessageView {
	items := make([]vault.Ciphertext, len(messages))
	for i := range messages {
		items[i] = vault.Ciphertext{
			Content: messages[i].Content.Ciphertext,
			IV:      messages[i].Content.IV,
			Tag:     messages[i].Content.Tag,
		}
	}
	decrypted := s.vault.DecryptBatch(vaultID(userID), items)

	views := make([]model.MessageView, len(messages))
	for i := range messages {
		content := ""
		if !messages[i].Content.Empty() {
			if decrypted[i].Err != nil {
				content = decryptPlaceholder
			} else {
				content = decrypted[i].Plaintext
			}
		}
		views[i] = model.MessageView{
			ID:         messages[i].ID,
			Role:       messages[i].Role,
			Content:    content,
			Position:   messages[i].Position,
			TokenCount: messages[i].TokenCount,
			CreatedAt:  messages[i].CreatedAt,
		}
	}
	return views
}

func (s *StoreService) encryptField(userID uint, plaintext string) (model.Encrypted, error) {
	if plaintext == "" {
		return model.Encrypted{}, nil
	}
	ct, err := s.vault.Encrypt(vaultID(userID), plaintext)
	if err != nil {
		return model.Encrypted{}, apperr.Encryption("encrypt content failed", err)
	}
	return model.Encrypted{Ciphertext: ct.Content, IV: ct.IV, Tag: ct.Tag}, nil
}

func (s *StoreService) decryptField(userID uint, enc model.Encrypted) string {
	if enc.Empty() {
		return ""
	}
	plaintext, err := s.vault.Decrypt(vaultID(userID), vault.Ciphertext{
		Content: enc.Ciphertext,
		IV:      enc.IV,
		Tag:     enc.Tag,
	})
	if err != nil {
		return decryptPlaceholder
	}
	return plaintext
}

func (s *StoreService) invalidateSnapshot(ctx context.Context, userID uint) {
	if err := s.snapshots.Invalidate(ctx, userID); err != nil {
		log.Printf("invalidate snapshot for user %d failed: %v", userID, err)
	}
}

func vaultID(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func validateClientID(id string) error {
	if id == "" || len(id) > 36 {
		return apperr.Validation("invalid id")
	}
	return nil
}

func nameDigest(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:])
}
