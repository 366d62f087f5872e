// Package writer persists fetched conversations: the raw body, a regenerated
// metadata summary with an attachment manifest, and every resolvable
// attachment under an attachments/ folder. Writes are idempotent by filename,
// so repeated cycles over unchanged conversations download nothing.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/convomirror/convomirror/internal/extract"
	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/types"
)

// File names inside one conversation folder.
const (
	ConversationFile = "conversation.json"
	MetadataFile     = "metadata.json"
	AttachmentsDir   = "attachments"
)

// Resolver turns an attachment reference into bytes.
type Resolver interface {
	ResolveAttachment(ctx context.Context, ref types.AttachmentRef) (*types.AttachmentData, error)
}

// AttachmentEntry is one manifest row. Failed attachments stay listed with
// their error so the manifest reflects what is actually on disk.
type AttachmentEntry struct {
	FileID string `json:"file_id"`
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"` // bytes written this pass; zero when skipped
	Saved  bool   `json:"saved"`
	Error  string `json:"error,omitempty"`
}

// Metadata is the derived summary written next to the raw body. It is always
// regenerated in full: it is cheap to rebuild and must reflect the latest
// attachment set.
type Metadata struct {
	ID          string            `json:"uuid"`
	Title       string            `json:"title"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	SavedAt     time.Time         `json:"saved_at"`
	Attachments []AttachmentEntry `json:"attachments"`
}

// Writer persists conversations under an identity folder.
type Writer struct {
	resolver Resolver
	log      *slog.Logger
}

// New builds a writer. A nil logger falls back to slog's default.
func New(resolver Resolver, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{resolver: resolver, log: log}
}

// Write persists one conversation under
// <identity>/<scope>/<category>/<conversation-id>/. Attachment resolution and
// download failures are recorded in the manifest and never fail the
// conversation; local storage errors do. Callers advance the conversation's
// watermark only after Write returns nil.
func (w *Writer) Write(ctx context.Context, identityDir *localfs.Dir, scopeName, category string, conv *types.Conversation, savedAt time.Time) (*Metadata, error) {
	dir, err := ensureChain(identityDir, SanitizeName(scopeName), SanitizeName(category), SanitizeName(conv.ID))
	if err != nil {
		return nil, err
	}

	body := []byte(conv.Raw)
	if len(body) == 0 {
		if body, err = json.MarshalIndent(conv, "", "  "); err != nil {
			return nil, fmt.Errorf("encoding conversation %s: %w", conv.ID, err)
		}
	}
	if err := dir.WriteFile(ConversationFile, body); err != nil {
		return nil, err
	}

	entries, err := w.writeAttachments(ctx, dir, conv)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		ID:          conv.ID,
		Title:       conv.Title,
		CreatedAt:   conv.CreatedAt,
		UpdatedAt:   conv.UpdatedAt,
		SavedAt:     savedAt,
		Attachments: entries,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata for %s: %w", conv.ID, err)
	}
	if err := dir.WriteFile(MetadataFile, metaBytes); err != nil {
		return nil, err
	}
	return meta, nil
}

// writeAttachments downloads every extracted reference that is not already on
// disk. Two attachments resolving to the same filename within one pass both
// persist; the later one gets a numeric prefix.
func (w *Writer) writeAttachments(ctx context.Context, dir *localfs.Dir, conv *types.Conversation) ([]AttachmentEntry, error) {
	refs := extract.Refs(conv)
	if len(refs) == 0 {
		return []AttachmentEntry{}, nil
	}

	attDir, err := dir.EnsureFolder(AttachmentsDir)
	if err != nil {
		return nil, err
	}

	entries := make([]AttachmentEntry, 0, len(refs))
	writtenThisPass := make(map[string]string) // filename -> file id

	for _, ref := range refs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Idempotence fast path: the predicted name needs no network call.
		predicted := InferName(ref.Name, "", ref.FileID, ref.Mime)
		if owner, clash := writtenThisPass[predicted]; !clash || owner == ref.FileID {
			exists, err := attDir.FileExists(predicted)
			if err != nil {
				return nil, err
			}
			if exists {
				entries = append(entries, AttachmentEntry{
					FileID: ref.FileID, Name: predicted, Mime: ref.Mime, Saved: true,
				})
				continue
			}
		}

		data, err := w.resolver.ResolveAttachment(ctx, ref)
		if err != nil {
			w.log.Warn("attachment resolution failed",
				"conversation", conv.ID, "file", ref.FileID, "kind", ref.Kind.String(), "error", err)
			entries = append(entries, AttachmentEntry{
				FileID: ref.FileID, Name: ref.Name, Mime: ref.Mime, Error: err.Error(),
			})
			continue
		}

		mimeType := data.Mime
		if mimeType == "" {
			mimeType = ref.Mime
		}
		name := InferName(ref.Name, data.Filename, ref.FileID, mimeType)

		// Prediction and resolution can disagree; re-check under the resolved
		// name before writing to avoid a duplicate.
		if owner, clash := writtenThisPass[name]; !clash || owner == ref.FileID {
			exists, err := attDir.FileExists(name)
			if err != nil {
				return nil, err
			}
			if exists {
				entries = append(entries, AttachmentEntry{
					FileID: ref.FileID, Name: name, Mime: mimeType, Saved: true,
				})
				continue
			}
		} else {
			name = w.collisionName(attDir, writtenThisPass, name)
		}

		if err := attDir.WriteFile(name, data.Bytes); err != nil {
			return nil, err
		}
		writtenThisPass[name] = ref.FileID
		entries = append(entries, AttachmentEntry{
			FileID: ref.FileID, Name: name, Mime: mimeType, Size: int64(len(data.Bytes)), Saved: true,
		})
	}

	return entries, nil
}

// collisionName prefixes a counter until the name is free both on disk and
// within this pass.
func (w *Writer) collisionName(attDir *localfs.Dir, writtenThisPass map[string]string, name string) string {
	for i := 1; ; i++ {
		candidate := strconv.Itoa(i) + "-" + name
		if _, clash := writtenThisPass[candidate]; clash {
			continue
		}
		exists, err := attDir.FileExists(candidate)
		if err == nil && !exists {
			return candidate
		}
	}
}

func ensureChain(dir *localfs.Dir, names ...string) (*localfs.Dir, error) {
	var err error
	for _, name := range names {
		if dir, err = dir.EnsureFolder(name); err != nil {
			return nil, err
		}
	}
	return dir, nil
}
