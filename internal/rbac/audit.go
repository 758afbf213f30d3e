package rbac

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/k9ops/k9ops/internal/shared"
)

// ListAudit returns a page of permission change history, newest first.
// Entries are written only by grant mutations; there is no update or delete path.
func (s *Service) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, shared.Pagination, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("rbac: unknown audit action %q", filter.Action)
	}
	entries, total, err := s.repo.ListAudit(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("rbac: list audit: %w", err)
	}
	return entries, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// CategoryGroup is one category of the grouped catalog view.
type CategoryGroup struct {
	Category    string       `json:"category"`
	Permissions []Permission `json:"permissions"`
}

// SortedGroups orders a grouped catalog by category name.
func SortedGroups(grouped map[string][]Permission) []CategoryGroup {
	cats := make([]string, 0, len(grouped))
	for cat := range grouped {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	out := make([]CategoryGroup, 0, len(cats))
	for _, cat := range cats {
		out = append(out, CategoryGroup{Category: cat, Permissions: grouped[cat]})
	}
	return out
}

// HolderGroup lists the holders of every key in one category.
type HolderGroup struct {
	Category string              `json:"category"`
	Keys     map[string][]Holder `json:"keys"`
}

// Export is the data shape handed to document generators.
type Export struct {
	Pairs   []Holder        `json:"pairs"`
	Grouped []HolderGroup   `json:"grouped"`
	Catalog []CategoryGroup `json:"catalog"`
}

// ExportService assembles permission assignment exports.
type ExportService struct {
	service *Service
	repo    RepositoryPort
}

// NewExportService constructs an ExportService.
func NewExportService(service *Service, repo RepositoryPort) *ExportService {
	return &ExportService{service: service, repo: repo}
}

// Build collects the flat pair list and the catalog concurrently, then
// derives the grouped view. category restricts the export when non-empty.
func (e *ExportService) Build(ctx context.Context, category string) (Export, error) {
	var (
		pairs   []Holder
		grouped map[string][]Permission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pairs, err = e.repo.ListHolders(gctx, category)
		if err != nil {
			return fmt.Errorf("rbac: export holders: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		grouped, err = e.service.ListGroupedByCategory(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Export{}, err
	}

	if category != "" {
		grouped = map[string][]Permission{category: grouped[category]}
	}

	byCategory := make(map[string]map[string][]Holder)
	for _, h := range pairs {
		keys, ok := byCategory[h.Category]
		if !ok {
			keys = make(map[string][]Holder)
			byCategory[h.Category] = keys
		}
		keys[h.Key] = append(keys[h.Key], h)
	}
	cats := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	holderGroups := make([]HolderGroup, 0, len(cats))
	for _, cat := range cats {
		holderGroups = append(holderGroups, HolderGroup{Category: cat, Keys: byCategory[cat]})
	}

	if pairs == nil {
		pairs = []Holder{}
	}
	return Export{Pairs: pairs, Grouped: holderGroups, Catalog: SortedGroups(grouped)}, nil
}
