package rbac

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxKeyLength = 100

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)

// ValidateKey checks the namespace.action shape of a permission key.
func ValidateKey(key string) error {
	if len(key) > maxKeyLength || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// CategoryOf returns the first segment of key.
func CategoryOf(key string) string {
	if idx := strings.IndexByte(key, '.'); idx > 0 {
		return key[:idx]
	}
	return key
}

// Catalog is the in-process registry of known permissions. It mirrors the
// permissions table and is refreshed by Service.ReloadCatalog.
type Catalog struct {
	mu    sync.RWMutex
	byKey map[string]Permission
	now   func() time.Time
}

// NewCatalog returns an empty registry.
func NewCatalog() *Catalog {
	return &Catalog{byKey: make(map[string]Permission), now: time.Now}
}

// Register adds or updates an entry. Re-registering a key updates its display
// metadata while its ID and creation time are preserved. created reports
// whether the key was new.
func (c *Catalog) Register(p Permission) (Permission, bool, error) {
	p, err := preparePermission(p)
	if err != nil {
		return Permission{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	existing, ok := c.byKey[p.Key]
	if ok {
		existing.Name = p.Name
		existing.Description = p.Description
		existing.Category = p.Category
		existing.UpdatedAt = now
		c.byKey[p.Key] = existing
		return existing, false, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	c.byKey[p.Key] = p
	return p, true, nil
}

// Put stores p exactly as given. Used for rows already persisted.
func (c *Catalog) Put(p Permission) {
	c.mu.Lock()
	c.byKey[p.Key] = p
	c.mu.Unlock()
}

// Replace swaps the registry contents for perms as loaded from storage.
func (c *Catalog) Replace(perms []Permission) {
	next := make(map[string]Permission, len(perms))
	for _, p := range perms {
		next[p.Key] = p
	}
	c.mu.Lock()
	c.byKey = next
	c.mu.Unlock()
}

// Remove drops key from the registry.
func (c *Catalog) Remove(key string) {
	c.mu.Lock()
	delete(c.byKey, NormalizeKey(key))
	c.mu.Unlock()
}

// Lookup returns the entry for key.
func (c *Catalog) Lookup(key string) (Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byKey[NormalizeKey(key)]
	return p, ok
}

// Len returns the number of registered keys.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Keys returns every registered key in sorted order.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Categories returns the sorted category names.
func (c *Catalog) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range c.byKey {
		seen[p.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// ListByCategory groups entries by category, each group ordered by name.
func (c *Catalog) ListByCategory() map[string][]Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return groupByCategory(c.snapshotLocked())
}

// Snapshot returns every entry ordered by category then name.
func (c *Catalog) Snapshot() []Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	perms := c.snapshotLocked()
	sortPermissions(perms)
	return perms
}

// Expand resolves patterns against the registry. "*" matches every key,
// "ns.*" every key under ns, anything else only itself when registered.
// Patterns that match nothing are returned in unmatched.
func (c *Catalog) Expand(patterns ...string) (keys []string, unmatched []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	found := make(map[string]struct{})
	for _, raw := range patterns {
		pattern := NormalizeKey(raw)
		if pattern == "" {
			continue
		}
		matched := false
		switch {
		case pattern == "*":
			for k := range c.byKey {
				found[k] = struct{}{}
				matched = true
			}
		case strings.HasSuffix(pattern, ".*"):
			prefix := strings.TrimSuffix(pattern, "*")
			for k := range c.byKey {
				if strings.HasPrefix(k, prefix) {
					found[k] = struct{}{}
					matched = true
				}
			}
		default:
			if _, ok := c.byKey[pattern]; ok {
				found[pattern] = struct{}{}
				matched = true
			}
		}
		if !matched {
			unmatched = append(unmatched, pattern)
		}
	}

	keys = make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, unmatched
}

func (c *Catalog) snapshotLocked() []Permission {
	perms := make([]Permission, 0, len(c.byKey))
	for _, p := range c.byKey {
		perms = append(perms, p)
	}
	return perms
}

func preparePermission(p Permission) (Permission, error) {
	p.Key = NormalizeKey(p.Key)
	if err := ValidateKey(p.Key); err != nil {
		return Permission{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = p.Key
	}
	p.Description = strings.TrimSpace(p.Description)
	p.Category = strings.TrimSpace(strings.ToLower(p.Category))
	if p.Category == "" {
		p.Category = CategoryOf(p.Key)
	}
	return p, nil
}

func groupByCategory(perms []Permission) map[string][]Permission {
	grouped := make(map[string][]Permission)
	for _, p := range perms {
		grouped[p.Category] = append(grouped[p.Category], p)
	}
	for cat := range grouped {
		sortPermissions(grouped[cat])
	}
	return grouped
}

func sortPermissions(perms []Permission) {
	sort.SliceStable(perms, func(i, j int) bool {
		if perms[i].Category != perms[j].Category {
			return perms[i].Category < perms[j].Category
		}
		if perms[i].Name != perms[j].Name {
			return perms[i].Name < perms[j].Name
		}
		return perms[i].Key < perms[j].Key
	})
}
