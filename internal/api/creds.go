// Package api implements the remote conversation-service client: scope
// listings, full conversation fetches, and attachment resolution. The engine
// consumes it through small interfaces, so tests substitute fakes freely.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/convomirror/convomirror/internal/types"
)

// CredentialProvider supplies authorization headers for remote calls,
// refreshing the session when required. Constructed once per process and
// passed by reference to every component that needs it; there is no ambient
// credential state.
type CredentialProvider interface {
	// EnsureReady resolves credentials and the owning identity, performing
	// any initial session exchange. Called before the first cycle.
	EnsureReady(ctx context.Context) error

	// AuthHeaders returns the headers to attach to an authorized request.
	AuthHeaders(ctx context.Context) (http.Header, error)

	// Refresh re-establishes the session after an authorization failure.
	Refresh(ctx context.Context) error

	// Identity returns the account the credentials belong to. Valid after
	// EnsureReady succeeds.
	Identity() (types.Identity, error)
}

// ErrNotReady indicates credentials have not been resolved yet.
var ErrNotReady = errors.New("credentials not resolved; run EnsureReady first")

// TokenCredentials is a CredentialProvider backed by a long-lived API token
// from configuration. Refresh re-validates the token against the session
// endpoint; identity comes from the same endpoint on first use.
type TokenCredentials struct {
	Token   string
	BaseURL string
	HTTPC   *http.Client

	identity *types.Identity
}

// NewTokenCredentials builds a token-based provider for the given API base.
func NewTokenCredentials(baseURL, token string, httpc *http.Client) *TokenCredentials {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &TokenCredentials{Token: token, BaseURL: baseURL, HTTPC: httpc}
}

// EnsureReady validates the token and resolves the owning identity.
func (t *TokenCredentials) EnsureReady(ctx context.Context) error {
	if t.identity != nil {
		return nil
	}
	return t.Refresh(ctx)
}

// AuthHeaders returns the bearer header for the configured token.
func (t *TokenCredentials) AuthHeaders(_ context.Context) (http.Header, error) {
	if t.Token == "" {
		return nil, ErrNotReady
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+t.Token)
	return h, nil
}

// Refresh re-validates the session and refreshes the cached identity.
func (t *TokenCredentials) Refresh(ctx context.Context) error {
	ident, err := fetchSession(ctx, t.HTTPC, t.BaseURL, t.Token)
	if err != nil {
		return err
	}
	t.identity = &ident
	return nil
}

// Identity returns the resolved account identity.
func (t *TokenCredentials) Identity() (types.Identity, error) {
	if t.identity == nil {
		return types.Identity{}, ErrNotReady
	}
	return *t.identity, nil
}
