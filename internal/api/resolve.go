package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/convomirror/convomirror/internal/types"
)

// ResolveAttachment turns an attachment reference into bytes. The strategy
// branches on the reference shape:
//
//   - RefCDN: the URL is fetched directly; it encodes its own authorization.
//   - RefSandbox: a metadata exchange scoped to (conversation, message)
//     returns a short-lived download URL, which is then fetched.
//   - RefFileID: an authorized download exchange returns either a redirect
//     URL or the binary stream itself; a binary response is used as-is.
func (c *Client) ResolveAttachment(ctx context.Context, ref types.AttachmentRef) (*types.AttachmentData, error) {
	switch ref.Kind {
	case types.RefCDN:
		if !c.isTrustedAssetURL(ref.URL) {
			return nil, fmt.Errorf("refusing untrusted asset host: %s", hostOf(ref.URL))
		}
		return c.fetchBinary(ctx, ref.URL, false)

	case types.RefSandbox:
		return c.resolveSandbox(ctx, ref)

	case types.RefFileID:
		return c.resolveFileID(ctx, ref)

	default:
		return nil, fmt.Errorf("unknown attachment reference kind %v", ref.Kind)
	}
}

// resolveSandbox exchanges a sandboxed execution-environment path for a
// download URL. The exchange needs conversation and message context.
func (c *Client) resolveSandbox(ctx context.Context, ref types.AttachmentRef) (*types.AttachmentData, error) {
	reqBody, err := json.Marshal(map[string]string{
		"path":       ref.SandboxPath,
		"message_id": ref.MessageID,
	})
	if err != nil {
		return nil, err
	}

	path := c.baseURL + "/api/conversations/" + url.PathEscape(ref.ConversationID) + "/files/resolve"
	body, _, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox path %s: %w", ref.SandboxPath, err)
	}

	var resp struct {
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding sandbox resolution: %w", err)
	}
	if resp.DownloadURL == "" {
		return nil, fmt.Errorf("sandbox resolution for %s returned no URL", ref.SandboxPath)
	}

	return c.fetchBinary(ctx, resp.DownloadURL, false)
}

// resolveFileID exchanges an opaque backend file id for the attachment bytes.
// The exchange response is either JSON carrying a redirect URL or the binary
// stream directly; the latter saves a round trip and is used as-is.
func (c *Client) resolveFileID(ctx context.Context, ref types.AttachmentRef) (*types.AttachmentData, error) {
	path := c.baseURL + "/api/files/" + url.PathEscape(ref.FileID) + "/download"
	body, headers, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("exchanging file id %s: %w", ref.FileID, err)
	}

	contentType := headers.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var resp struct {
			DownloadURL string `json:"download_url"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding download exchange for %s: %w", ref.FileID, err)
		}
		if resp.DownloadURL == "" {
			return nil, fmt.Errorf("download exchange for %s returned no URL", ref.FileID)
		}
		return c.fetchBinary(ctx, resp.DownloadURL, false)
	}

	return &types.AttachmentData{
		Bytes:    body,
		Mime:     contentType,
		Filename: filenameFromDisposition(headers.Get("Content-Disposition")),
	}, nil
}

// fetchBinary fetches bytes from a direct URL. Authorized is false for CDN
// and short-lived URLs that encode their own credentials.
func (c *Client) fetchBinary(ctx context.Context, fullURL string, authorized bool) (*types.AttachmentData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	if authorized {
		headers, err := c.creds.AuthHeaders(ctx)
		if err != nil {
			return nil, err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &types.AttachmentData{
		Bytes:    data,
		Mime:     resp.Header.Get("Content-Type"),
		Filename: filenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

// isTrustedAssetURL reports whether a URL matches a known asset-host prefix.
func (c *Client) isTrustedAssetURL(u string) bool {
	for _, prefix := range c.cdnPrefixes {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	// Same-host asset URLs are always allowed.
	return strings.HasPrefix(u, c.baseURL+"/")
}

// filenameFromDisposition extracts the filename parameter from a
// Content-Disposition header, or "" when absent.
func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func hostOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	return parsed.Host
}

// fetchSession validates a token against the session endpoint and returns the
// owning identity.
func fetchSession(ctx context.Context, httpc *http.Client, baseURL, token string) (types.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/session", nil)
	if err != nil {
		return types.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpc.Do(req)
	if err != nil {
		return types.Identity{}, fmt.Errorf("resolving session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Identity{}, &StatusError{Status: resp.StatusCode}
	}

	var session struct {
		Account struct {
			ID    string `json:"uuid"`
			Email string `json:"email"`
		} `json:"account"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return types.Identity{}, fmt.Errorf("decoding session: %w", err)
	}
	if session.Account.ID == "" {
		return types.Identity{}, fmt.Errorf("session response carried no account id")
	}

	label := session.Account.Email
	if label == "" {
		label = session.Account.ID
	}
	return types.Identity{AccountID: session.Account.ID, Label: label}, nil
}
