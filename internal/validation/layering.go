package validation

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// LayerRule forbids packages under Packages from importing anything under
// Forbidden. Packages under Exempt are skipped.
type LayerRule struct {
	Name      string
	Packages  []string
	Forbidden []string
	Exempt    []string
}

// LayerViolation is one forbidden import edge.
type LayerViolation struct {
	Rule    string
	Package string
	Import  string
}

func (v LayerViolation) String() string {
	return fmt.Sprintf("%s: %s imports %s", v.Rule, v.Package, v.Import)
}

// DefaultLayerRules returns the import rules for the module rooted at module.
func DefaultLayerRules(module string) []LayerRule {
	p := func(rel string) string { return module + "/" + rel }
	return []LayerRule{
		{
			Name:      "domain-is-leaf",
			Packages:  []string{p("pkg/domain")},
			Forbidden: []string{p("internal"), p("cmd")},
		},
		{
			Name:      "infra-below-core",
			Packages:  []string{p("internal/infra")},
			Forbidden: []string{p("internal/core"), p("internal/adapters"), p("cmd")},
		},
		{
			Name:      "core-below-adapters",
			Packages:  []string{p("internal/core")},
			Forbidden: []string{p("internal/adapters"), p("cmd")},
		},
		{
			Name:      "transports-independent-of-core",
			Packages:  []string{p("internal/events"), p("internal/lock"), p("internal/identity"), p("internal/config")},
			Forbidden: []string{p("internal/core"), p("internal/adapters")},
		},
		{
			Name:      "archive-through-facade",
			Packages:  []string{module},
			Forbidden: []string{p("internal/infra/archive")},
			Exempt:    []string{p("internal/archive"), p("internal/infra/archive")},
		},
	}
}

// CheckImports evaluates rules against an import graph keyed by package path.
// Violations are sorted for stable output.
func CheckImports(graph map[string][]string, rules []LayerRule) []LayerViolation {
	var out []LayerViolation
	for pkg, imports := range graph {
		for _, rule := range rules {
			if !matchesAny(pkg, rule.Packages) || matchesAny(pkg, rule.Exempt) {
				continue
			}
			for _, imp := range imports {
				if matchesAny(imp, rule.Forbidden) {
					out = append(out, LayerViolation{Rule: rule.Name, Package: pkg, Import: imp})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		if out[i].Import != out[j].Import {
			return out[i].Import < out[j].Import
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// LoadImportGraph loads the packages matching patterns from dir and returns
// their direct imports.
func LoadImportGraph(dir string, tests bool, patterns ...string) (map[string][]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Dir: dir, Tests: tests}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	graph := make(map[string][]string, len(pkgs))
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 {
			return nil, fmt.Errorf("load %s: %v", pkg.PkgPath, pkg.Errors[0])
		}
		if strings.HasSuffix(pkg.PkgPath, ".test") {
			continue
		}
		seen := make(map[string]struct{}, len(graph[pkg.PkgPath]))
		for _, imp := range graph[pkg.PkgPath] {
			seen[imp] = struct{}{}
		}
		for imp := range pkg.Imports {
			if _, dup := seen[imp]; dup {
				continue
			}
			seen[imp] = struct{}{}
			graph[pkg.PkgPath] = append(graph[pkg.PkgPath], imp)
		}
		if _, ok := graph[pkg.PkgPath]; !ok {
			graph[pkg.PkgPath] = nil
		}
	}
	for pkg := range graph {
		sort.Strings(graph[pkg])
	}
	return graph, nil
}

// CheckLayering loads the module in dir and applies DefaultLayerRules.
func CheckLayering(dir, module string, tests bool) ([]LayerViolation, error) {
	graph, err := LoadImportGraph(dir, tests)
	if err != nil {
		return nil, err
	}
	return CheckImports(graph, DefaultLayerRules(module)), nil
}

func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
