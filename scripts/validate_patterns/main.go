// Command validate_patterns runs the source pattern and package layering
// checks from internal/validation against the repository.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pharmachain/internal/validation"
)

const (
	defaultWorkflowRoots = "internal/core,internal/events,internal/adapters/auditexport"
	defaultDomainRoots   = "pkg/domain"
	defaultModule        = "pharmachain"
)

type (
	validateFn func(dir string, rules validation.Ruleset) []validation.Error
	layeringFn func(dir, module string, tests bool) ([]validation.LayerViolation, error)
)

var (
	exitFunc     = os.Exit
	getwd        = os.Getwd
	validateFunc = validation.ValidateDirectory
	layeringFunc = validation.CheckLayering
)

func main() {
	exitFunc(run(os.Args, os.Stderr, validateFunc, layeringFunc))
}

func run(args []string, stderr io.Writer, validate validateFn, layering layeringFn) int {
	if len(args) == 0 {
		return 1
	}
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.SetOutput(stderr)
	workflowFlag := flags.String("workflow", defaultWorkflowRoots, "comma-separated roots checked with the workflow rules")
	domainFlag := flags.String("domain", defaultDomainRoots, "comma-separated roots checked with the domain rules")
	module := flags.String("module", defaultModule, "module path used by the layering rules")
	skipLayering := flags.Bool("skip-layering", false, "skip the package layering check")
	if err := flags.Parse(args[1:]); err != nil {
		return 1
	}

	workflowRoots := splitRoots(*workflowFlag)
	domainRoots := splitRoots(*domainFlag)
	if len(workflowRoots) == 0 && len(domainRoots) == 0 {
		_, _ = fmt.Fprintln(stderr, "no roots provided for pattern validation")
		return 1
	}
	baseDir, err := getwd()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "resolve working directory: %v\n", err)
		return 1
	}

	var violations []validation.Error
	for _, root := range workflowRoots {
		violations = append(violations, validate(filepath.Join(baseDir, root), validation.WorkflowRules())...)
	}
	for _, root := range domainRoots {
		violations = append(violations, validate(filepath.Join(baseDir, root), validation.DomainRules())...)
	}

	exit := 0
	if len(violations) > 0 {
		if !report(stderr, violations) {
			return 1
		}
		exit = 1
	}

	if *skipLayering {
		return exit
	}
	edges, err := layering(baseDir, *module, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "layering check failed: %v\n", err)
		return 1
	}
	if len(edges) > 0 {
		_, _ = fmt.Fprintf(stderr, "Found %d forbidden imports:\n\n", len(edges))
		for _, edge := range edges {
			if _, writeErr := fmt.Fprintf(stderr, "  %s\n", edge); writeErr != nil {
				return 1
			}
		}
		exit = 1
	}
	return exit
}

func report(stderr io.Writer, violations []validation.Error) bool {
	if _, err := fmt.Fprintf(stderr, "Found %d pattern violations:\n\n", len(violations)); err != nil {
		return false
	}
	for _, violation := range violations {
		if _, err := fmt.Fprintf(stderr, "%s:%d\n", violation.File, violation.Line); err != nil {
			return false
		}
		if violation.Message != "" {
			if _, err := fmt.Fprintf(stderr, "  %s\n", violation.Message); err != nil {
				return false
			}
		}
		if violation.Code != "" {
			if _, err := fmt.Fprintf(stderr, "  Code: %s\n", violation.Code); err != nil {
				return false
			}
		}
		if _, err := fmt.Fprintln(stderr); err != nil {
			return false
		}
	}
	return true
}

func splitRoots(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	raw := strings.Split(value, ",")
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, entry)
	}
	return out
}
