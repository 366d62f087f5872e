package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/convomirror/convomirror/internal/debug"
	"github.com/convomirror/convomirror/internal/types"
)

// StatusError carries an HTTP status for retryability branching.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether an error is transient: network failures and
// 5xx/429 responses are retryable; other HTTP errors are permanent for the
// current attempt. Authorization failures are handled separately via the
// refresh-and-retry-once path and then treated as transient so the next
// cycle retries them (the user may re-log-in).
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests ||
			se.Status == http.StatusUnauthorized
	}
	// Anything that is not an HTTP status error is a transport failure.
	return true
}

// Client talks to the remote conversation service.
type Client struct {
	baseURL string
	httpc   *http.Client
	creds   CredentialProvider

	// cdnPrefixes are trusted asset-host URL prefixes that may be fetched
	// directly without the download-URL exchange.
	cdnPrefixes []string
}

// NewClient builds a client for the given API base URL.
func NewClient(baseURL string, creds CredentialProvider, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		creds:   creds,
		cdnPrefixes: []string{
			"https://cdn.", "https://assets.", "https://files.",
		},
	}
}

// listResponse is the wire shape shared by the conversation listing endpoints.
type listResponse struct {
	Items      []types.ConversationSummary `json:"items"`
	Total      *int                        `json:"total,omitempty"`
	NextCursor string                      `json:"next_cursor,omitempty"`
}

// ListPersonal returns one page of the personal/workspace listing, ordered by
// descending update time.
func (c *Client) ListPersonal(ctx context.Context, offset, limit int) (*types.ListPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "updated_desc")

	var resp listResponse
	if err := c.getJSON(ctx, "/api/conversations?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return toListPage(&resp), nil
}

// ListProject returns one page of a project's conversation listing plus the
// cursor for the next page (empty when exhausted).
func (c *Client) ListProject(ctx context.Context, projectID, cursor string, limit int) (*types.ListPage, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp listResponse
	path := "/api/projects/" + url.PathEscape(projectID) + "/conversations?" + q.Encode()
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, "", fmt.Errorf("listing project %s: %w", projectID, err)
	}
	return toListPage(&resp), resp.NextCursor, nil
}

// projectsResponse is the wire shape of the project directory endpoint.
type projectsResponse struct {
	Items      []types.ProjectInfo `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// ListProjects returns one page of the project directory.
func (c *Client) ListProjects(ctx context.Context, cursor string) (*types.ProjectPage, error) {
	path := "/api/projects"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}

	var resp projectsResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return &types.ProjectPage{Projects: resp.Items, NextCursor: resp.NextCursor}, nil
}

// FetchConversation fetches one full conversation body. On a 401 it refreshes
// credentials and retries exactly once.
func (c *Client) FetchConversation(ctx context.Context, id, projectID string) (*types.Conversation, error) {
	path := "/api/conversations/" + url.PathEscape(id)
	if projectID != "" {
		path += "?project=" + url.QueryEscape(projectID)
	}

	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetching conversation %s: %w", id, err)
	}

	var conv types.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	conv.Raw = raw
	return &conv, nil
}

func toListPage(resp *listResponse) *types.ListPage {
	page := &types.ListPage{Items: resp.Items, Total: -1}
	if resp.Total != nil {
		page.Total = *resp.Total
	}
	return page
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := c.getRaw(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// getRaw performs an authorized GET with the refresh-and-retry-once pattern
// on 401 responses.
func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, c.baseURL+path, nil)
	if err == nil {
		return body, nil
	}

	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return nil, err
	}

	debug.Logf("401 on %s, refreshing credentials\n", path)
	if refreshErr := c.creds.Refresh(ctx); refreshErr != nil {
		return nil, fmt.Errorf("refreshing credentials: %w", refreshErr)
	}

	body, _, err = c.do(ctx, http.MethodGet, c.baseURL+path, nil)
	return body, err
}

// do performs one authorized request and returns the body and response
// headers. Non-2xx responses become StatusError.
func (c *Client) do(ctx context.Context, method, fullURL string, reqBody io.Reader) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, nil, err
	}

	headers, err := c.creds.AuthHeaders(ctx)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.Header, &StatusError{Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, resp.Header, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
