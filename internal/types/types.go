// Package types defines the core data structures shared across convomirror:
// identities, scopes, conversation summaries and bodies, attachment
// references, and the task unit handed to the fetch scheduler.
package types

import (
	"encoding/json"
	"time"
)

// Identity is the owning principal of a local mirror. One sync-state document
// exists per identity; Label doubles as the top-level directory name.
type Identity struct {
	AccountID string `json:"account_id"`
	Label     string `json:"label"`
}

// Scope is a named partition of the remote collection: the personal/workspace
// scope (ProjectID empty) or a single project.
type Scope struct {
	ID        string // stable key: "workspace:<id>" or "project:<id>"
	Name      string // directory label (workspace name or project name)
	ProjectID string // empty for the personal scope
}

// WorkspaceScopeID builds the scope key for a personal/workspace scope.
func WorkspaceScopeID(workspaceID string) string { return "workspace:" + workspaceID }

// ProjectScopeID builds the scope key for a project scope.
func ProjectScopeID(projectID string) string { return "project:" + projectID }

// ConversationSummary is one item from a remote listing page. UpdatedAt is the
// remote mutation watermark used for staleness comparison.
type ConversationSummary struct {
	ID        string    `json:"uuid"`
	Title     string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	ProjectID string    `json:"project_uuid,omitempty"`
}

// ListPage is one page of a conversation listing. Total is -1 when the remote
// endpoint does not report a total count.
type ListPage struct {
	Items []ConversationSummary
	Total int
}

// ProjectInfo identifies one project from the project directory listing.
type ProjectInfo struct {
	ID   string `json:"uuid"`
	Name string `json:"name"`
}

// ProjectPage is one page of the project directory. NextCursor is empty on the
// final page.
type ProjectPage struct {
	Projects   []ProjectInfo
	NextCursor string
}

// Conversation is the full remote document body. It is transient: it exists
// for the duration of one sync pass and is either persisted or discarded.
type Conversation struct {
	ID        string          `json:"uuid"`
	Title     string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ProjectID string          `json:"project_uuid,omitempty"`
	Messages  []Message       `json:"chat_messages"`
	Raw       json.RawMessage `json:"-"` // verbatim API response, written to disk as-is
}

// Message is one node of the conversation tree.
type Message struct {
	ID          string           `json:"uuid"`
	Sender      string           `json:"sender"`
	Text        string           `json:"text,omitempty"`
	Parts       []ContentPart    `json:"content,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	// FileRefs maps file id to metadata for content that references uploads
	// by id rather than carrying an attachment entry.
	FileRefs map[string]AttachmentMeta `json:"files_by_id,omitempty"`
}

// AttachmentMeta describes an attachment as the remote API reports it.
type AttachmentMeta struct {
	FileID string `json:"id"`
	Name   string `json:"file_name,omitempty"`
	Mime   string `json:"file_type,omitempty"`
	Size   int64  `json:"file_size,omitempty"`
	URL    string `json:"preview_url,omitempty"`
}

// Task is the unit of work handed to the fetch scheduler: fetch one
// conversation for one scope. Tasks have no identity beyond a single pass.
type Task struct {
	ConversationID string
	ScopeID        string
	ScopeName      string
	// Category is the destination folder name, derived from the item's own
	// project id when present, else the scope label.
	Category  string
	ProjectID string
	Title     string
	UpdatedAt time.Time
}

// RefKind tags the resolution strategy an attachment reference needs.
type RefKind int

const (
	// RefCDN is an inline pointer to a trusted asset host; fetched directly.
	RefCDN RefKind = iota
	// RefSandbox is a sandboxed execution-environment path; needs a metadata
	// exchange (conversation id + message id) to obtain a download URL.
	RefSandbox
	// RefFileID is an opaque backend file id; needs an authorized download-URL
	// exchange, whose response may itself be the binary stream.
	RefFileID
)

func (k RefKind) String() string {
	switch k {
	case RefCDN:
		return "cdn"
	case RefSandbox:
		return "sandbox"
	case RefFileID:
		return "file-id"
	default:
		return "unknown"
	}
}

// AttachmentRef is a deduplicated attachment reference extracted from a
// conversation body. FileID falls back to the raw pointer string when no id
// can be extracted.
type AttachmentRef struct {
	FileID         string
	Kind           RefKind
	Name           string // explicit name from metadata, may be empty
	Mime           string
	URL            string // direct URL for RefCDN
	SandboxPath    string // raw path for RefSandbox
	ConversationID string
	MessageID      string
}

// AttachmentData is the resolved bytes of one attachment.
type AttachmentData struct {
	Bytes []byte
	Mime  string
	// Filename carries a server-suggested name (Content-Disposition), when any.
	Filename string
}
