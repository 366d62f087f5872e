// Package scanner is the change detector: it pages each listing scope,
// compares every item's remote watermark against the state document, and
// emits one fetch task per stale conversation. Scopes are scanned in a fixed
// order (personal workspace first, then each project in discovery order) and
// an incremental pass stops paginating a scope at its first fully-clean page,
// since listings are assumed reverse-chronological by update time.
package scanner

import (
	"context"
	"log/slog"

	"github.com/convomirror/convomirror/internal/state"
	"github.com/convomirror/convomirror/internal/types"
)

// PersonalScopeName is the directory label of the personal/workspace scope.
const PersonalScopeName = "personal"

const defaultPageSize = 20

// Lister is the remote listing surface the scanner consumes.
type Lister interface {
	ListPersonal(ctx context.Context, offset, limit int) (*types.ListPage, error)
	ListProject(ctx context.Context, projectID, cursor string, limit int) (*types.ListPage, string, error)
	ListProjects(ctx context.Context, cursor string) (*types.ProjectPage, error)
}

// Options tunes one scan pass.
type Options struct {
	// PageSize is the listing page size. Zero means 20.
	PageSize int

	// FullScan disables the early-exit rule: every page of every scope is
	// visited once. Used for initial seeding and explicit re-sync.
	FullScan bool
}

// Result is the outcome of one scan pass.
type Result struct {
	// Tasks holds one entry per stale conversation, deduplicated by id, in
	// scan order.
	Tasks []types.Task

	// Scopes lists every scope whose pagination finished without a page
	// error, for last-check-time bookkeeping.
	Scopes []types.Scope

	// Requests counts listing page requests issued, for diagnostics.
	Requests int
}

// Scanner pages remote listings and classifies items by watermark.
type Scanner struct {
	source Lister
	log    *slog.Logger
}

// New builds a scanner. A nil logger falls back to slog's default.
func New(source Lister, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{source: source, log: log}
}

// Scan runs one pass over every scope for the given identity, classifying
// listed conversations against doc's watermarks. A page-level listing error
// ends that scope's scan for this pass without failing the pass; doc is never
// mutated.
func (s *Scanner) Scan(ctx context.Context, identity types.Identity, doc *state.Document, opts Options) (*Result, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	res := &Result{}
	seen := make(map[string]bool)

	projects, err := s.discoverProjects(ctx, res)
	if err != nil {
		s.log.Warn("project discovery failed, scanning personal scope only", "error", err)
	}
	names := make(map[string]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}

	personal := types.Scope{
		ID:   types.WorkspaceScopeID(identity.AccountID),
		Name: PersonalScopeName,
	}
	if ok := s.scanPersonal(ctx, personal, doc, names, pageSize, opts.FullScan, seen, res); ok {
		res.Scopes = append(res.Scopes, personal)
	}

	for _, p := range projects {
		scope := types.Scope{
			ID:        types.ProjectScopeID(p.ID),
			Name:      p.Name,
			ProjectID: p.ID,
		}
		if ok := s.scanProject(ctx, scope, doc, names, pageSize, opts.FullScan, seen, res); ok {
			res.Scopes = append(res.Scopes, scope)
		}
	}

	return res, ctx.Err()
}

// discoverProjects walks the paginated project directory. Discovery order is
// the order projects are returned.
func (s *Scanner) discoverProjects(ctx context.Context, res *Result) ([]types.ProjectInfo, error) {
	var projects []types.ProjectInfo
	cursor := ""
	for {
		page, err := s.source.ListProjects(ctx, cursor)
		res.Requests++
		if err != nil {
			return projects, err
		}
		projects = append(projects, page.Projects...)
		if page.NextCursor == "" || len(page.Projects) == 0 {
			return projects, nil
		}
		cursor = page.NextCursor
	}
}

// scanPersonal pages the personal listing by offset. Returns true when the
// scope's pagination finished without a page error.
func (s *Scanner) scanPersonal(ctx context.Context, scope types.Scope, doc *state.Document, names map[string]string, pageSize int, fullScan bool, seen map[string]bool, res *Result) bool {
	offset := 0
	consumed := 0
	for {
		page, err := s.source.ListPersonal(ctx, offset, pageSize)
		res.Requests++
		if err != nil {
			s.log.Warn("listing page failed, ending scope scan for this cycle",
				"scope", scope.ID, "offset", offset, "error", err)
			return false
		}

		stale := s.classify(page.Items, scope, doc, names, seen, res)
		consumed += len(page.Items)

		if len(page.Items) == 0 || len(page.Items) < pageSize {
			return true
		}
		if page.Total >= 0 && consumed >= page.Total {
			return true
		}
		if stale == 0 && !fullScan {
			// Older pages cannot contain anything newer.
			return true
		}
		offset += len(page.Items)
	}
}

// scanProject pages one project listing by cursor.
func (s *Scanner) scanProject(ctx context.Context, scope types.Scope, doc *state.Document, names map[string]string, pageSize int, fullScan bool, seen map[string]bool, res *Result) bool {
	cursor := ""
	consumed := 0
	for {
		page, next, err := s.source.ListProject(ctx, scope.ProjectID, cursor, pageSize)
		res.Requests++
		if err != nil {
			s.log.Warn("listing page failed, ending scope scan for this cycle",
				"scope", scope.ID, "cursor", cursor, "error", err)
			return false
		}

		stale := s.classify(page.Items, scope, doc, names, seen, res)
		consumed += len(page.Items)

		if len(page.Items) == 0 || len(page.Items) < pageSize || next == "" {
			return true
		}
		if page.Total >= 0 && consumed >= page.Total {
			return true
		}
		if stale == 0 && !fullScan {
			return true
		}
		cursor = next
	}
}

// classify appends a task for every stale item on one page and returns the
// page's stale count. An item already queued by an earlier scope still counts
// toward staleness (it keeps pagination going) but produces no second task.
func (s *Scanner) classify(items []types.ConversationSummary, scope types.Scope, doc *state.Document, names map[string]string, seen map[string]bool, res *Result) int {
	stale := 0
	for _, item := range items {
		rec, known := doc.Conversations[item.ID]
		if known && !item.UpdatedAt.After(rec.UpdateTime) {
			continue
		}
		stale++
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		res.Tasks = append(res.Tasks, types.Task{
			ConversationID: item.ID,
			ScopeID:        scope.ID,
			ScopeName:      scope.Name,
			Category:       categoryFor(item, scope, names),
			ProjectID:      item.ProjectID,
			Title:          item.Title,
			UpdatedAt:      item.UpdatedAt,
		})
	}
	return stale
}

// categoryFor derives the destination folder from the item's own project id,
// not from the endpoint that listed it: project conversations surface through
// the personal listing too.
func categoryFor(item types.ConversationSummary, scope types.Scope, names map[string]string) string {
	if item.ProjectID != "" {
		if name, ok := names[item.ProjectID]; ok && name != "" {
			return name
		}
		return item.ProjectID
	}
	return scope.Name
}
