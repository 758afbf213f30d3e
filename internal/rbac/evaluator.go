package rbac

import (
	"sort"
	"strings"
)

// PermissionSet is the set of keys held by one user.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, normalising case and whitespace.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		k = NormalizeKey(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// Has reports membership of key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[NormalizeKey(key)]
	return ok
}

// Keys returns the sorted members.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasPermission evaluates a single key. Unauthenticated principals never pass;
// the admin bypass grants any key, including keys absent from the catalog.
func HasPermission(p Principal, held PermissionSet, key string) bool {
	if !p.Authenticated {
		return false
	}
	if p.Bypass() {
		return true
	}
	return held.Has(key)
}

// HasAny reports whether at least one key is held. An empty list is false.
func HasAny(p Principal, held PermissionSet, keys ...string) bool {
	if !p.Authenticated {
		return false
	}
	if p.Bypass() {
		return true
	}
	for _, k := range keys {
		if held.Has(k) {
			return true
		}
	}
	return false
}

// HasAll reports whether every key is held. An empty list is vacuously true.
func HasAll(p Principal, held PermissionSet, keys ...string) bool {
	if !p.Authenticated {
		return false
	}
	if p.Bypass() {
		return true
	}
	for _, k := range keys {
		if !held.Has(k) {
			return false
		}
	}
	return true
}

// NormalizeKey lowercases and trims a permission key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func normalizeKeys(keys []string) []string {
	unique := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = NormalizeKey(k)
		if k == "" {
			continue
		}
		if _, ok := unique[k]; ok {
			continue
		}
		unique[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
