// Package methodology checks implementation artifacts against per-domain
// forbidden patterns and required architecture extensions.
package methodology

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/j5a-ops/j5a/internal/task"
)

// Pattern is one forbidden construct. When Regex is empty the Name is
// matched literally.
type Pattern struct {
	Name  string `yaml:"name" json:"name"`
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// Rules is the methodology contract for one domain.
type Rules struct {
	Domain                string    `yaml:"-" json:"domain"`
	ForbiddenPatterns     []Pattern `yaml:"forbidden_patterns,omitempty" json:"forbidden_patterns,omitempty"`
	ApprovedArchitectures []string  `yaml:"approved_architectures,omitempty" json:"approved_architectures,omitempty"`
	MandatoryBase         string    `yaml:"mandatory_base,omitempty" json:"mandatory_base,omitempty"`
	RequireApproved       bool      `yaml:"require_approved,omitempty" json:"require_approved,omitempty"`
}

// Empty reports whether the rules would accept any artifact.
func (r Rules) Empty() bool {
	return len(r.ForbiddenPatterns) == 0 && r.MandatoryBase == "" &&
		(!r.RequireApproved || len(r.ApprovedArchitectures) == 0)
}

// Catalog holds the rules for every known domain.
type Catalog struct {
	Domains map[string]Rules `yaml:"domains"`
}

// LoadCatalog reads a YAML rules catalog. A missing file yields an empty
// catalog so tasks can still carry their own rules.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{Domains: map[string]Rules{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules catalog %s: %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules catalog %s: %w", path, err)
	}
	return cat, nil
}

// ParseCatalog decodes and validates a YAML rules catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	cat := &Catalog{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if cat.Domains == nil {
		cat.Domains = map[string]Rules{}
	}
	for domain, rules := range cat.Domains {
		for i, p := range rules.ForbiddenPatterns {
			if strings.TrimSpace(p.Name) == "" {
				return nil, fmt.Errorf("domain %s: forbidden_patterns[%d] has no name", domain, i)
			}
			if p.Regex != "" {
				if _, err := regexp.Compile(p.Regex); err != nil {
					return nil, fmt.Errorf("domain %s: pattern %s: %w", domain, p.Name, err)
				}
			}
		}
		rules.Domain = domain
		cat.Domains[domain] = rules
	}
	return cat, nil
}

// RulesFor merges the catalog rules for domain with the lists declared on the
// task. Task patterns are appended after catalog patterns; a task-level
// mandatory base replaces the catalog's. A task that declares approved
// architectures requires one of them to be used.
func (c *Catalog) RulesFor(domain string, def *task.Definition) Rules {
	var base Rules
	if c != nil {
		base = c.Domains[domain]
	}
	rules := Rules{
		Domain:                domain,
		ForbiddenPatterns:     append([]Pattern(nil), base.ForbiddenPatterns...),
		ApprovedArchitectures: append([]string(nil), base.ApprovedArchitectures...),
		MandatoryBase:         base.MandatoryBase,
		RequireApproved:       base.RequireApproved,
	}
	if def == nil {
		return rules
	}

	seen := make(map[string]struct{}, len(rules.ForbiddenPatterns))
	for _, p := range rules.ForbiddenPatterns {
		seen[p.Name] = struct{}{}
	}
	for _, name := range def.ForbiddenPatterns {
		if _, dup := seen[name]; dup || strings.TrimSpace(name) == "" {
			continue
		}
		seen[name] = struct{}{}
		rules.ForbiddenPatterns = append(rules.ForbiddenPatterns, Pattern{Name: name})
	}

	if len(def.ApprovedArchitectures) > 0 {
		known := make(map[string]struct{}, len(rules.ApprovedArchitectures))
		for _, a := range rules.ApprovedArchitectures {
			known[a] = struct{}{}
		}
		for _, a := range def.ApprovedArchitectures {
			if _, dup := known[a]; !dup {
				known[a] = struct{}{}
				rules.ApprovedArchitectures = append(rules.ApprovedArchitectures, a)
			}
		}
		rules.RequireApproved = true
	}
	if def.MandatoryBase != "" {
		rules.MandatoryBase = def.MandatoryBase
	}
	return rules
}
