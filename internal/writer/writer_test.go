package writer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomirror/convomirror/internal/localfs"
	"github.com/convomirror/convomirror/internal/types"
)

// fakeResolver scripts per-file-id payloads and counts resolutions.
type fakeResolver struct {
	data  map[string]*types.AttachmentData
	fails map[string]error
	calls int
}

func (f *fakeResolver) ResolveAttachment(_ context.Context, ref types.AttachmentRef) (*types.AttachmentData, error) {
	f.calls++
	if err, ok := f.fails[ref.FileID]; ok {
		return nil, err
	}
	if d, ok := f.data[ref.FileID]; ok {
		return d, nil
	}
	return nil, errors.New("unknown file id")
}

func identityDir(t *testing.T) (*localfs.Dir, string) {
	t.Helper()
	root, err := localfs.OpenRoot(t.TempDir())
	require.NoError(t, err)
	dir, err := root.EnsureFolder("user@example.com")
	require.NoError(t, err)
	return dir, dir.Path()
}

func convWithAttachments(atts ...types.AttachmentMeta) *types.Conversation {
	return &types.Conversation{
		ID:        "conv-1",
		Title:     "Trip planning",
		CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
		Messages:  []types.Message{{ID: "msg-1", Sender: "human", Attachments: atts}},
	}
}

func TestWriteCreatesConversationLayout(t *testing.T) {
	dir, base := identityDir(t)
	w := New(&fakeResolver{}, nil)

	conv := convWithAttachments()
	conv.Raw = json.RawMessage(`{"uuid":"conv-1","name":"Trip planning"}`)
	savedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	meta, err := w.Write(context.Background(), dir, "personal", "personal", conv, savedAt)
	require.NoError(t, err)

	convDir := filepath.Join(base, "personal", "personal", "conv-1")
	body, err := os.ReadFile(filepath.Join(convDir, ConversationFile))
	require.NoError(t, err)
	assert.Equal(t, []byte(conv.Raw), body, "raw body must be written verbatim")

	var onDisk Metadata
	metaBytes, err := os.ReadFile(filepath.Join(convDir, MetadataFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(metaBytes, &onDisk))
	assert.Equal(t, "Trip planning", onDisk.Title)
	assert.Equal(t, savedAt, onDisk.SavedAt)
	assert.Empty(t, onDisk.Attachments)
	assert.Equal(t, meta.ID, onDisk.ID)
}

func TestWriteEncodesBodyWhenRawMissing(t *testing.T) {
	dir, base := identityDir(t)
	w := New(&fakeResolver{}, nil)

	_, err := w.Write(context.Background(), dir, "personal", "personal", convWithAttachments(), time.Now())
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(base, "personal", "personal", "conv-1", ConversationFile))
	require.NoError(t, err)
	var decoded types.Conversation
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "conv-1", decoded.ID)
}

func TestWriteSecondPassDownloadsNothing(t *testing.T) {
	dir, _ := identityDir(t)
	resolver := &fakeResolver{data: map[string]*types.AttachmentData{
		"file-a": {Bytes: []byte("pdf bytes"), Mime: "application/pdf"},
	}}
	w := New(resolver, nil)
	conv := convWithAttachments(types.AttachmentMeta{FileID: "file-a", Name: "report.pdf", Mime: "application/pdf"})

	_, err := w.Write(context.Background(), dir, "personal", "personal", conv, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, resolver.calls)

	meta, err := w.Write(context.Background(), dir, "personal", "personal", conv, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls, "existing attachment must not be downloaded again")
	require.Len(t, meta.Attachments, 1)
	assert.True(t, meta.Attachments[0].Saved)
	assert.Equal(t, "report.pdf", meta.Attachments[0].Name)
}

func TestWriteNameCollisionGetsNumericPrefix(t *testing.T) {
	dir, base := identityDir(t)
	resolver := &fakeResolver{data: map[string]*types.AttachmentData{
		"file-a": {Bytes: []byte("first"), Mime: "application/pdf"},
		"file-b": {Bytes: []byte("second"), Mime: "application/pdf"},
	}}
	w := New(resolver, nil)
	conv := convWithAttachments(
		types.AttachmentMeta{FileID: "file-a", Name: "report.pdf", Mime: "application/pdf"},
		types.AttachmentMeta{FileID: "file-b", Name: "report.pdf", Mime: "application/pdf"},
	)

	meta, err := w.Write(context.Background(), dir, "personal", "personal", conv, time.Now())
	require.NoError(t, err)
	require.Len(t, meta.Attachments, 2)
	assert.Equal(t, "report.pdf", meta.Attachments[0].Name)
	assert.Equal(t, "1-report.pdf", meta.Attachments[1].Name)

	attDir := filepath.Join(base, "personal", "personal", "conv-1", AttachmentsDir)
	first, err := os.ReadFile(filepath.Join(attDir, "report.pdf"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(attDir, "1-report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))
	assert.Equal(t, "second", string(second), "collision must not overwrite the first file")
}

func TestWriteAttachmentFailureIsRecordedNotFatal(t *testing.T) {
	dir, base := identityDir(t)
	resolver := &fakeResolver{
		data:  map[string]*types.AttachmentData{"file-ok": {Bytes: []byte("ok"), Mime: "text/plain"}},
		fails: map[string]error{"file-bad": errors.New("download url expired")},
	}
	w := New(resolver, nil)
	conv := convWithAttachments(
		types.AttachmentMeta{FileID: "file-bad", Name: "gone.txt", Mime: "text/plain"},
		types.AttachmentMeta{FileID: "file-ok", Name: "notes.txt", Mime: "text/plain"},
	)

	meta, err := w.Write(context.Background(), dir, "personal", "personal", conv, time.Now())
	require.NoError(t, err, "attachment failures must not fail the conversation")
	require.Len(t, meta.Attachments, 2)

	assert.False(t, meta.Attachments[0].Saved)
	assert.Contains(t, meta.Attachments[0].Error, "download url expired")
	assert.True(t, meta.Attachments[1].Saved)

	_, err = os.Stat(filepath.Join(base, "personal", "personal", "conv-1", AttachmentsDir, "notes.txt"))
	assert.NoError(t, err)
}

func TestWriteSanitizesFolderNames(t *testing.T) {
	dir, base := identityDir(t)
	w := New(&fakeResolver{}, nil)

	_, err := w.Write(context.Background(), dir, "personal", "Research: Q1/Q2", convWithAttachments(), time.Now())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, "personal", "Research_ Q1_Q2", "conv-1", ConversationFile))
	assert.NoError(t, err)
}

func TestInferName(t *testing.T) {
	cases := []struct {
		name      string
		meta      string
		suggested string
		fileID    string
		mime      string
		want      string
	}{
		{"metadata name wins", "report.pdf", "other.pdf", "file-1", "application/pdf", "report.pdf"},
		{"suggested name next", "", "chart.png", "file-1", "image/png", "chart.png"},
		{"file id plus mime extension", "", "", "file-1", "image/png", "file-1.png"},
		{"no double extension", "notes.txt", "", "file-1", "text/plain", "notes.txt"},
		{"illegal characters replaced", "a/b:c?.txt", "", "file-1", "text/plain", "a_b_c_.txt"},
		{"no mime no extension", "", "", "file-1", "", "file-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferName(tc.meta, tc.suggested, tc.fileID, tc.mime))
		})
	}
}

func TestSanitizeNameBoundsLength(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "abcdefgh"
	}
	got := SanitizeName(long + ".txt")
	assert.LessOrEqual(t, len(got), 150)
	assert.Equal(t, ".txt", filepath.Ext(got))
}
