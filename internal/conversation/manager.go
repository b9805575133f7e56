package conversation

import (
	"encoding/json"
	"sync"

	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/rollout"
	"github.com/google/uuid"
)

// Manager is a registry of live and archived conversations, keyed by
// conversation id.
type Manager struct {
	mu       sync.Mutex
	live     map[string]*Conversation
	archived map[string]string // id -> rollout path, for archived lookups
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		live:     make(map[string]*Conversation),
		archived: make(map[string]string),
	}
}

// NewConversation instantiates a fresh transcript and registers it,
// returning its id. The caller is responsible for starting whatever
// listener(s) it needs via Conversation.AddListener.
func (m *Manager) NewConversation(cfg Config) (*Conversation, error) {
	id := uuid.NewString()
	conv, err := newConversation(id, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[id] = conv
	m.mu.Unlock()

	return conv, nil
}

// ResumeConversation reads the rollout file at path, rehydrates the
// transcript, and registers the conversation as live again under a new
// conversation id (the rollout path identifies the session, not the
// in-memory id, matching resumeConversation's {path, overrides} params).
func (m *Manager) ResumeConversation(path string, cfg Config) (*Conversation, error) {
	entries, err := rollout.Read(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "failed to read rollout file")
	}

	id := uuid.NewString()
	conv, err := newConversation(id, cfg)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		var item models.ConversationItem
		if unmarshalErr := unmarshalEntry(e, &item); unmarshalErr == nil {
			_ = conv.transcript.AddItem(item)
		}
	}

	m.mu.Lock()
	m.live[id] = conv
	m.mu.Unlock()

	return conv, nil
}

// GetConversation looks up a live conversation by id.
func (m *Manager) GetConversation(id string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.live[id]
	return conv, ok
}

// Archive moves a conversation from live to archived. It fails if the
// conversation is still live in the sense of having an in-flight turn —
// callers must not hold the turn lock across Archive. A request to
// archive an unknown conversation id also fails.
func (m *Manager) Archive(id, rolloutPath string) (bool, error) {
	m.mu.Lock()
	conv, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return false, coreerr.New(coreerr.InvalidRequest, "invalid request: conversation not found or not active")
	}

	select {
	case conv.turnLock <- struct{}{}:
		<-conv.turnLock
	default:
		m.mu.Unlock()
		return false, coreerr.New(coreerr.InvalidRequest, "invalid request: conversation has an active turn")
	}

	delete(m.live, id)
	m.archived[id] = rolloutPath
	m.mu.Unlock()

	if err := conv.Close(); err != nil {
		return false, coreerr.Wrap(coreerr.Internal, err, "failed to close rollout file on archive")
	}
	return true, nil
}

// unmarshalEntry decodes a rollout.Entry's payload into v; entries whose
// type does not describe a replayable transcript item are skipped by the
// caller on error.
func unmarshalEntry(e rollout.Entry, v *models.ConversationItem) error {
	v.Type = models.ConversationItemType(e.Type)
	return json.Unmarshal(e.Payload, v)
}

// ListedConversation is one entry in a listConversations page.
type ListedConversation struct {
	ConversationID string
	Path           string
	Preview        string
	Timestamp      string
}

// List returns one page of conversations under home, most recently
// started first, merging this Manager's live/archived registries with
// whatever rollout files exist on disk, for listConversations to page:
// a conversation id is attached when a live or archived entry owns that
// rollout path, falling back to the path itself for sessions from a
// prior process this Manager never loaded. cursor.Offset indexes into
// the full, sorted file list; an empty cursor starts from the beginning.
func (m *Manager) List(home string, cursor rollout.Cursor, pageSize int) ([]ListedConversation, rollout.Cursor, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	paths, err := rollout.ListPaths(home)
	if err != nil {
		return nil, rollout.Cursor{}, coreerr.Wrap(coreerr.Internal, err, "failed to list rollout files")
	}

	if cursor.Offset < 0 || cursor.Offset > int64(len(paths)) {
		return nil, rollout.Cursor{}, coreerr.New(coreerr.InvalidRequest, "invalid cursor")
	}

	m.mu.Lock()
	idByPath := make(map[string]string, len(m.live)+len(m.archived))
	for id, conv := range m.live {
		idByPath[conv.RolloutPath()] = id
	}
	for id, path := range m.archived {
		idByPath[path] = id
	}
	m.mu.Unlock()

	start := cursor.Offset
	end := start + int64(pageSize)
	if end > int64(len(paths)) {
		end = int64(len(paths))
	}

	items := make([]ListedConversation, 0, end-start)
	for _, path := range paths[start:end] {
		items = append(items, describeRollout(path, idByPath[path]))
	}

	next := rollout.Cursor{}
	if end < int64(len(paths)) {
		next = rollout.Cursor{Offset: end}
	}
	return items, next, nil
}

// describeRollout builds a ListedConversation from a rollout path, using
// its first user_message item as the preview; id falls back to path when
// no live/archived registry entry owns it.
func describeRollout(path, id string) ListedConversation {
	if id == "" {
		id = path
	}

	preview := ""
	if entries, err := rollout.Read(path); err == nil {
		for _, e := range entries {
			if e.Type != string(models.ItemTypeUserMessage) {
				continue
			}
			var item models.ConversationItem
			if json.Unmarshal(e.Payload, &item) == nil {
				preview = item.Content
			}
			break
		}
	}

	return ListedConversation{
		ConversationID: id,
		Path:           path,
		Preview:        preview,
		Timestamp:      rollout.TimestampOf(path),
	}
}
