package methodology

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPatternCacheSize = 256

// ComplianceResult is the outcome of a methodology check. Every violation is
// blocking.
type ComplianceResult struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations,omitempty"`
}

// Summary joins the violations for use as a block reason.
func (r ComplianceResult) Summary() string {
	if r.Compliant {
		return "compliant"
	}
	return "methodology violations: " + strings.Join(r.Violations, "; ")
}

// Enforcer performs pattern and structural checks only. It does not try to
// understand the artifact.
type Enforcer struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

// NewEnforcer creates an enforcer whose compiled patterns are kept in an LRU
// cache of the given size.
func NewEnforcer(cacheSize int) *Enforcer {
	if cacheSize <= 0 {
		cacheSize = defaultPatternCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](cacheSize)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	return &Enforcer{patterns: cache}
}

// Check evaluates artifact against rules. Violations are reported in rule
// order: forbidden patterns, then the mandatory base, then approved
// architectures.
func (e *Enforcer) Check(artifact string, rules Rules) ComplianceResult {
	var violations []string

	for _, p := range rules.ForbiddenPatterns {
		matched, err := e.matches(p, artifact)
		if err != nil {
			violations = append(violations, fmt.Sprintf("invalid pattern %s: %v", p.Name, err))
			continue
		}
		if matched {
			violations = append(violations, p.Name)
		}
	}

	if base := strings.TrimSpace(rules.MandatoryBase); base != "" {
		if !e.usesIdentifier(artifact, base) {
			violations = append(violations, "missing mandatory extension of "+base)
		}
	}

	if rules.RequireApproved && len(rules.ApprovedArchitectures) > 0 {
		used := false
		for _, arch := range rules.ApprovedArchitectures {
			if e.usesIdentifier(artifact, arch) {
				used = true
				break
			}
		}
		if !used {
			violations = append(violations, fmt.Sprintf("no approved architecture used (expected one of: %s)",
				strings.Join(rules.ApprovedArchitectures, ", ")))
		}
	}

	return ComplianceResult{Compliant: len(violations) == 0, Violations: violations}
}

func (e *Enforcer) matches(p Pattern, artifact string) (bool, error) {
	if p.Regex == "" {
		return strings.Contains(artifact, p.Name), nil
	}
	re, err := e.compile(p.Regex)
	if err != nil {
		return false, err
	}
	return re.MatchString(artifact), nil
}

// usesIdentifier reports whether name appears as a whole identifier.
func (e *Enforcer) usesIdentifier(artifact, name string) bool {
	re, err := e.compile(`(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_])`)
	if err != nil {
		return false
	}
	return re.MatchString(artifact)
}

func (e *Enforcer) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := e.patterns.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.patterns.Add(expr, re)
	return re, nil
}
