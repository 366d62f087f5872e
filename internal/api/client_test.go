package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convomirror/convomirror/internal/types"
)

// staticCreds returns fixed headers and counts refreshes.
type staticCreds struct {
	mu       sync.Mutex
	token    string
	refreshes int
}

func (s *staticCreds) EnsureReady(context.Context) error { return nil }

func (s *staticCreds) AuthHeaders(context.Context) (http.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+s.token)
	return h, nil
}

func (s *staticCreds) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	s.token = "refreshed-token"
	return nil
}

func (s *staticCreds) Identity() (types.Identity, error) {
	return types.Identity{AccountID: "acct-1", Label: "user@example.com"}, nil
}

func (s *staticCreds) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func TestListPersonalParsesPageAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations", r.URL.Path)
		assert.Equal(t, "40", r.URL.Query().Get("offset"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "updated_desc", r.URL.Query().Get("order"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"uuid":"conv-1","name":"First","updated_at":"2026-03-01T12:00:00Z"}],"total":57}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &staticCreds{token: "tok"}, srv.Client())
	page, err := client.ListPersonal(context.Background(), 40, 20)
	require.NoError(t, err)
	assert.Equal(t, 57, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "conv-1", page.Items[0].ID)
	assert.Equal(t, "First", page.Items[0].Title)
}

func TestListPersonalUnreportedTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &staticCreds{token: "tok"}, srv.Client())
	page, err := client.ListPersonal(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.Equal(t, -1, page.Total, "a missing total must be reported as -1")
}

func TestListProjectReturnsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/projects/proj-1/conversations", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"items":[{"uuid":"conv-p"}],"next_cursor":"def"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, &staticCreds{token: "tok"}, srv.Client())
	page, next, err := client.ListProject(context.Background(), "proj-1", "abc", 20)
	require.NoError(t, err)
	assert.Equal(t, "def", next)
	require.Len(t, page.Items, 1)
}

func TestFetchConversationRefreshesOnceOn401(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/conversations/conv-1", r.URL.Path)
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"uuid":"conv-1","name":"First"}`))
	}))
	defer srv.Close()

	creds := &staticCreds{token: "stale"}
	client := NewClient(srv.URL, creds, srv.Client())
	conv, err := client.FetchConversation(context.Background(), "conv-1", "")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, 1, creds.refreshCount())
	assert.Equal(t, 2, attempts)

	// The verbatim response body is retained for persistence.
	assert.JSONEq(t, `{"uuid":"conv-1","name":"First"}`, string(conv.Raw))
}

func TestFetchConversationPersistent401Surfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "stale"}
	client := NewClient(srv.URL, creds, srv.Client())
	_, err := client.FetchConversation(context.Background(), "conv-1", "")
	require.Error(t, err)
	assert.Equal(t, 1, creds.refreshCount(), "only one refresh per request")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.True(t, IsRetryable(err), "a persistent 401 is retried next cycle; credentials may recover")
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &StatusError{Status: 500}, true},
		{"rate limited", &StatusError{Status: 429}, true},
		{"unauthorized", &StatusError{Status: 401}, true},
		{"not found", &StatusError{Status: 404}, false},
		{"bad request", &StatusError{Status: 400}, false},
		{"transport failure", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestTokenCredentialsResolveIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/session", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"account":{"uuid":"acct-9","email":"someone@example.com"}}`))
	}))
	defer srv.Close()

	creds := NewTokenCredentials(srv.URL, "tok", srv.Client())
	require.NoError(t, creds.EnsureReady(context.Background()))
	ident, err := creds.Identity()
	require.NoError(t, err)
	assert.Equal(t, "acct-9", ident.AccountID)
	assert.Equal(t, "someone@example.com", ident.Label)
}

func TestTokenCredentialsIdentityBeforeReady(t *testing.T) {
	creds := NewTokenCredentials("http://unused.invalid", "tok", nil)
	_, err := creds.Identity()
	assert.ErrorIs(t, err, ErrNotReady)
}
