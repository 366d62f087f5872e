// Package state persists per-identity sync bookkeeping: which conversations
// have been durably mirrored (and at what remote watermark), and when each
// scope was last paginated. The document is a single JSON file per identity;
// all read-modify-write sequences must run inside the shared state lock so
// concurrent instances never interleave their updates.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/types"
)

// FileName is the state document's name inside the identity folder.
const FileName = "autosave_state.json"

const currentVersion = 1

// ConversationRecord tracks one durably persisted conversation. A record
// exists if and only if the conversation has been written to local storage at
// least once; UpdateTime is the remote watermark confirmed at that write.
type ConversationRecord struct {
	UpdateTime  time.Time `json:"update_time"`
	SavedAt     time.Time `json:"saved_at"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
}

// ScopeRecord tracks one listing scope. Scopes are created lazily when first
// observed and never deleted; a stale scope is harmless.
type ScopeRecord struct {
	Name          string    `json:"name,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	LastCheckTime time.Time `json:"last_check_time"`
}

// Document is the full per-identity state document.
type Document struct {
	Version       int                           `json:"version"`
	Identity      types.Identity                `json:"identity"`
	Conversations map[string]ConversationRecord `json:"conversations"`
	Scopes        map[string]ScopeRecord        `json:"scopes"`
}

// Store reads and writes the state document for one identity.
type Store struct {
	dir      *localfs.Dir
	identity types.Identity
}

// NewStore binds a store to the identity's folder under the mirror root,
// creating the folder if needed.
func NewStore(root *localfs.Dir, identity types.Identity) (*Store, error) {
	dir, err := root.EnsureFolder(identity.Label)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, identity: identity}, nil
}

// Load returns the current document, or a fresh empty one when none exists.
// A missing file is a normal first-run condition; any other read or parse
// failure is surfaced. Older-shaped documents get their missing maps
// backfilled rather than failing.
func (s *Store) Load() (*Document, error) {
	data, err := s.dir.ReadFile(FileName)
	if err != nil {
		if os.IsNotExist(err) {
			return s.fresh(), nil
		}
		return nil, fmt.Errorf("reading state document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state document: %w", err)
	}

	migrate(&doc)
	doc.Identity = s.identity
	return &doc, nil
}

// Save atomically overwrites the persisted document. Must be called only
// while holding the state lock.
func (s *Store) Save(doc *Document) error {
	doc.Version = currentVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state document: %w", err)
	}
	if err := s.dir.WriteFileAtomic(FileName, data); err != nil {
		return fmt.Errorf("saving state document: %w", err)
	}
	return nil
}

// UpdateConversation records a durably persisted conversation via
// load→mutate→save, so it always works on the latest document. Watermarks
// never move backwards. Caller must hold the state lock.
func (s *Store) UpdateConversation(id string, updateTime, savedAt time.Time, scope types.Scope) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	if existing, ok := doc.Conversations[id]; ok && existing.UpdateTime.After(updateTime) {
		return nil
	}

	rec := ConversationRecord{
		UpdateTime: updateTime,
		SavedAt:    savedAt,
		ProjectID:  scope.ProjectID,
	}
	if scope.ProjectID == "" {
		rec.WorkspaceID = s.identity.AccountID
	}
	doc.Conversations[id] = rec

	return s.Save(doc)
}

// TouchScope records a completed pagination pass over a scope. Caller must
// hold the state lock.
func (s *Store) TouchScope(scope types.Scope, checkedAt time.Time) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	doc.Scopes[scope.ID] = ScopeRecord{
		Name:          scope.Name,
		ProjectID:     scope.ProjectID,
		LastCheckTime: checkedAt,
	}

	return s.Save(doc)
}

func (s *Store) fresh() *Document {
	return &Document{
		Version:       currentVersion,
		Identity:      s.identity,
		Conversations: make(map[string]ConversationRecord),
		Scopes:        make(map[string]ScopeRecord),
	}
}

// migrate backfills substructures missing from older document shapes.
func migrate(doc *Document) {
	if doc.Conversations == nil {
		doc.Conversations = make(map[string]ConversationRecord)
	}
	if doc.Scopes == nil {
		doc.Scopes = make(map[string]ScopeRecord)
	}
	if doc.Version < currentVersion {
		doc.Version = currentVersion
	}
}
