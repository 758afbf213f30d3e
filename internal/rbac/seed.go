package rbac

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// SeedFile is the parsed catalog.yaml document.
type SeedFile struct {
	Categories []SeedCategory       `yaml:"categories"`
	Roles      map[string][]string `yaml:"roles"`
}

// SeedCategory groups seed permissions under one namespace.
type SeedCategory struct {
	Key         string           `yaml:"key"`
	NameAr      string           `yaml:"name_ar"`
	NameEn      string           `yaml:"name_en"`
	Permissions []SeedPermission `yaml:"permissions"`
}

// SeedPermission is one catalog entry in the seed file.
type SeedPermission struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DefaultSeed parses the embedded catalog.
func DefaultSeed() (SeedFile, error) {
	return ParseSeed(defaultCatalogYAML)
}

// ParseSeed decodes and validates a catalog document.
func ParseSeed(data []byte) (SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return SeedFile{}, fmt.Errorf("rbac: parse seed: %w", err)
	}
	seen := make(map[string]struct{})
	for _, cat := range seed.Categories {
		for _, p := range cat.Permissions {
			key := NormalizeKey(p.Key)
			if err := ValidateKey(key); err != nil {
				return SeedFile{}, err
			}
			if CategoryOf(key) != cat.Key && cat.Key != "" {
				return SeedFile{}, fmt.Errorf("rbac: seed key %q listed under category %q", key, cat.Key)
			}
			if _, dup := seen[key]; dup {
				return SeedFile{}, fmt.Errorf("rbac: seed key %q listed twice", key)
			}
			seen[key] = struct{}{}
		}
	}
	return seed, nil
}

// Permissions flattens the seed into catalog entries.
func (s SeedFile) Permissions() []Permission {
	var perms []Permission
	for _, cat := range s.Categories {
		for _, p := range cat.Permissions {
			perms = append(perms, Permission{
				Key:         NormalizeKey(p.Key),
				Name:        strings.TrimSpace(p.Name),
				Description: strings.TrimSpace(p.Description),
				Category:    cat.Key,
			})
		}
	}
	return perms
}

// Baseline returns the grant patterns configured for role.
func (s SeedFile) Baseline(role string) []string {
	patterns := append([]string(nil), s.Roles[role]...)
	sort.Strings(patterns)
	return patterns
}

// CategoryName returns the display name of category for lang ("ar" or "en").
func (s SeedFile) CategoryName(category, lang string) string {
	for _, cat := range s.Categories {
		if cat.Key != category {
			continue
		}
		if lang == "ar" && cat.NameAr != "" {
			return cat.NameAr
		}
		if cat.NameEn != "" {
			return cat.NameEn
		}
	}
	return category
}
