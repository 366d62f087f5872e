// Package extract pulls attachment references out of conversation bodies.
// Extraction is a pure function over the message tree: one iterative pass, an
// explicit seen-set for deduplication, no mutation of the input.
package extract

import (
	"regexp"
	"strings"

	"github.com/convomirror/convomirror/internal/types"
)

var (
	// {{file:FILE_ID}} placeholder tokens embedded in message text.
	fileTokenRe = regexp.MustCompile(`\{\{file:([A-Za-z0-9._-]+)\}\}`)

	// Free-standing sandboxed-execution-path links, with or without the
	// sandbox: scheme.
	sandboxLinkRe = regexp.MustCompile(`(?:sandbox:)?(/mnt/(?:data|user-data)/[^\s)"'\]]+)`)

	// file-service:// pointers carried by asset-pointer parts.
	fileServiceRe = regexp.MustCompile(`^file-service://([A-Za-z0-9._-]+)$`)
)

// Refs returns every attachment reference in the conversation, deduplicated
// by file id (raw pointer string when no id is extractable), in encounter
// order. Four shapes are recognized: attachment-list entries, file-reference
// maps, inline asset-pointer parts, and inline textual tokens/links.
func Refs(conv *types.Conversation) []types.AttachmentRef {
	var refs []types.AttachmentRef
	seen := make(map[string]bool)

	add := func(ref types.AttachmentRef) {
		key := ref.FileID
		if key == "" {
			key = ref.SandboxPath
		}
		if key == "" {
			key = ref.URL
		}
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		ref.ConversationID = conv.ID
		refs = append(refs, ref)
	}

	for _, msg := range conv.Messages {
		// Shape 1: direct attachment-list entries.
		for _, att := range msg.Attachments {
			add(metaRef(att, msg.ID))
		}

		// Shape 2: content-reference-by-file maps.
		for id, att := range msg.FileRefs {
			if att.FileID == "" {
				att.FileID = id
			}
			add(metaRef(att, msg.ID))
		}

		// Shape 3: inline asset-pointer parts.
		for _, part := range msg.Parts {
			if part.Kind != types.PartAsset || part.Pointer == "" {
				continue
			}
			add(pointerRef(part.Pointer, part.Mime, msg.ID))
		}

		// Shape 4: inline textual tokens and sandbox links.
		for _, text := range messageTexts(msg) {
			for _, m := range fileTokenRe.FindAllStringSubmatch(text, -1) {
				add(types.AttachmentRef{
					FileID:    m[1],
					Kind:      types.RefFileID,
					MessageID: msg.ID,
				})
			}
			for _, m := range sandboxLinkRe.FindAllStringSubmatch(text, -1) {
				add(types.AttachmentRef{
					FileID:      m[1],
					Kind:        types.RefSandbox,
					SandboxPath: m[1],
					Name:        baseName(m[1]),
					MessageID:   msg.ID,
				})
			}
		}
	}

	return refs
}

// metaRef builds a reference from attachment metadata. A usable preview URL
// takes the direct-fetch path; otherwise the id goes through the download
// exchange.
func metaRef(att types.AttachmentMeta, messageID string) types.AttachmentRef {
	ref := types.AttachmentRef{
		FileID:    att.FileID,
		Name:      att.Name,
		Mime:      att.Mime,
		MessageID: messageID,
	}
	if att.URL != "" && strings.HasPrefix(att.URL, "https://") {
		ref.Kind = types.RefCDN
		ref.URL = att.URL
	} else {
		ref.Kind = types.RefFileID
	}
	return ref
}

// pointerRef classifies an asset pointer string by its shape.
func pointerRef(pointer, mimeType, messageID string) types.AttachmentRef {
	ref := types.AttachmentRef{Mime: mimeType, MessageID: messageID}

	switch {
	case strings.HasPrefix(pointer, "https://"):
		ref.Kind = types.RefCDN
		ref.URL = pointer
		ref.FileID = pointer

	case strings.HasPrefix(pointer, "sandbox:"):
		path := strings.TrimPrefix(pointer, "sandbox:")
		ref.Kind = types.RefSandbox
		ref.SandboxPath = path
		ref.FileID = path
		ref.Name = baseName(path)

	default:
		if m := fileServiceRe.FindStringSubmatch(pointer); m != nil {
			ref.FileID = m[1]
		} else {
			// Opaque pointer: keep the raw string as the dedup key.
			ref.FileID = pointer
		}
		ref.Kind = types.RefFileID
	}
	return ref
}

// messageTexts collects the plain-text bodies of a message: the legacy text
// field plus every text part.
func messageTexts(msg types.Message) []string {
	texts := make([]string, 0, 1+len(msg.Parts))
	if msg.Text != "" {
		texts = append(texts, msg.Text)
	}
	for _, part := range msg.Parts {
		if part.Kind == types.PartText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return texts
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
