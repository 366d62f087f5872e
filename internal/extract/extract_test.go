package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomirror/convomirror/internal/types"
)

func TestRefsCollectsAllFourShapes(t *testing.T) {
	conv := &types.Conversation{
		ID: "conv-1",
		Messages: []types.Message{
			{
				ID: "msg-1",
				Attachments: []types.AttachmentMeta{
					{FileID: "file-a", Name: "report.pdf", Mime: "application/pdf"},
				},
				FileRefs: map[string]types.AttachmentMeta{
					"file-b": {Name: "data.csv", Mime: "text/csv"},
				},
			},
			{
				ID: "msg-2",
				Parts: []types.ContentPart{
					{Kind: types.PartAsset, Pointer: "file-service://file-c", Mime: "image/png"},
					{Kind: types.PartText, Text: "see {{file:file-d}} and sandbox:/mnt/data/out.txt"},
				},
			},
		},
	}

	refs := Refs(conv)
	require.Len(t, refs, 5)

	byID := make(map[string]types.AttachmentRef)
	for _, r := range refs {
		byID[r.FileID] = r
		assert.Equal(t, "conv-1", r.ConversationID)
	}

	assert.Equal(t, types.RefFileID, byID["file-a"].Kind)
	assert.Equal(t, "report.pdf", byID["file-a"].Name)

	b, ok := byID["file-b"]
	require.True(t, ok, "file-reference map id must backfill the FileID")
	assert.Equal(t, "data.csv", b.Name)

	assert.Equal(t, types.RefFileID, byID["file-c"].Kind)
	assert.Equal(t, "image/png", byID["file-c"].Mime)

	assert.Equal(t, types.RefFileID, byID["file-d"].Kind)
	assert.Equal(t, "msg-2", byID["file-d"].MessageID)

	sandbox, ok := byID["/mnt/data/out.txt"]
	require.True(t, ok)
	assert.Equal(t, types.RefSandbox, sandbox.Kind)
	assert.Equal(t, "/mnt/data/out.txt", sandbox.SandboxPath)
	assert.Equal(t, "out.txt", sandbox.Name)
}

func TestRefsDeduplicatesAcrossShapes(t *testing.T) {
	// The same file surfaces as an attachment entry and a text token; only one
	// reference must survive.
	conv := &types.Conversation{
		ID: "conv-1",
		Messages: []types.Message{
			{
				ID:          "msg-1",
				Text:        "see {{file:file-a}}",
				Attachments: []types.AttachmentMeta{{FileID: "file-a", Name: "dup.txt"}},
			},
		},
	}

	refs := Refs(conv)
	require.Len(t, refs, 1)
	assert.Equal(t, "dup.txt", refs[0].Name, "the richer attachment-entry shape wins")
}

func TestRefsCDNPointer(t *testing.T) {
	conv := &types.Conversation{
		ID: "conv-1",
		Messages: []types.Message{
			{
				ID: "msg-1",
				Parts: []types.ContentPart{
					{Kind: types.PartAsset, Pointer: "https://cdn.example.com/img/abc.png", Mime: "image/png"},
				},
			},
		},
	}

	refs := Refs(conv)
	require.Len(t, refs, 1)
	assert.Equal(t, types.RefCDN, refs[0].Kind)
	assert.Equal(t, "https://cdn.example.com/img/abc.png", refs[0].URL)
}

func TestRefsEmptyConversation(t *testing.T) {
	assert.Empty(t, Refs(&types.Conversation{ID: "conv-1"}))
}

func TestRefsIgnoresUnknownParts(t *testing.T) {
	conv := &types.Conversation{
		ID: "conv-1",
		Messages: []types.Message{
			{
				ID: "msg-1",
				Parts: []types.ContentPart{
					{Kind: types.PartUnknown, Raw: []byte(`{"type":"thinking"}`)},
				},
			},
		},
	}
	assert.Empty(t, Refs(conv))
}
