// Package validation provides static checks that keep the workflow code on
// its typed constants, its logger and its package layering.
package validation

import (
	"bufio"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Error represents a pattern violation found in source code.
type Error struct {
	File    string
	Line    int
	Message string
	Code    string
}

// Ruleset selects the checks applied by ValidateDirectory.
type Ruleset struct {
	// Literals maps a line regex to the message reported on a match.
	Literals map[string]string
	// Calls maps "pkg.Func" selectors to the message reported on a call.
	Calls map[string]string
	// Idents maps bare identifiers to the message reported on use.
	Idents map[string]string
	// SentinelCompare reports == and != comparisons against Err* values.
	SentinelCompare bool
}

var printCalls = map[string]string{
	"fmt.Print":   "Log through core.Logger instead of printing",
	"fmt.Printf":  "Log through core.Logger instead of printing",
	"fmt.Println": "Log through core.Logger instead of printing",
	"log.Print":   "Log through core.Logger instead of the standard logger",
	"log.Printf":  "Log through core.Logger instead of the standard logger",
	"log.Println": "Log through core.Logger instead of the standard logger",
	"log.Fatal":   "Return an error instead of exiting from library code",
	"log.Fatalf":  "Return an error instead of exiting from library code",
}

// WorkflowRules returns the checks for code that drives requests and stock.
func WorkflowRules() Ruleset {
	return Ruleset{
		Literals: map[string]string{
			`"(Pending|Approved|Rejected|Fulfilled|ApprovalFailed)"`: "Use the domain.Status* and domain.Decision* constants instead of raw status literals",
			`"(Released|Quarantined|Recalled)"`:                      "Use the domain.QC* constants instead of raw QC literals",
			`"(Dispatch|Return|Adjustment)"`:                         "Use the domain.Request* and domain.Tx* constants instead of raw type literals",
		},
		Calls:           copyMessages(printCalls),
		SentinelCompare: true,
	}
}

// DomainRules returns the checks for the domain package, which owns the
// literal values and must stay free of floating point quantities and clocks.
func DomainRules() Ruleset {
	calls := copyMessages(printCalls)
	calls["time.Now"] = "Take timestamps from the caller; the domain package has no clock"
	return Ruleset{
		Calls: calls,
		Idents: map[string]string{
			"float32": "Quantities are integral and money uses decimal.Decimal",
			"float64": "Quantities are integral and money uses decimal.Decimal",
		},
		SentinelCompare: true,
	}
}

// ValidateDirectory checks every non-test Go file under dir against rules.
func ValidateDirectory(dir string, rules Ruleset) []Error {
	var errs []Error

	err := filepath.Walk(dir, func(path string, _ os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		errs = append(errs, validateFile(path, rules)...)
		return nil
	})
	if err != nil {
		errs = append(errs, Error{File: dir, Message: "Failed to walk directory: " + err.Error()})
	}
	return errs
}

func validateFile(filePath string, rules Ruleset) []Error {
	errs := validateFileText(filePath, rules.Literals)
	return append(errs, validateFileAST(filePath, rules)...)
}

func validateFileText(filePath string, literals map[string]string) []Error {
	if len(literals) == 0 {
		return nil
	}
	var errs []Error

	file, err := os.Open(filepath.Clean(filePath))
	if err != nil {
		return append(errs, Error{File: filePath, Message: "Failed to open file: " + err.Error()})
	}
	defer func() {
		_ = file.Close()
	}()

	patterns := make(map[*regexp.Regexp]string, len(literals))
	for expr, message := range literals {
		patterns[regexp.MustCompile(expr)] = message
	}

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || isCommentLine(line) {
			continue
		}
		for re, message := range patterns {
			if re.MatchString(stripTrailingComment(line)) {
				errs = append(errs, Error{
					File:    filePath,
					Line:    lineNum,
					Message: message,
					Code:    strings.TrimSpace(line),
				})
			}
		}
	}
	return errs
}

func validateFileAST(filePath string, rules Ruleset) []Error {
	var errs []Error

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filePath, nil, 0)
	if err != nil {
		return errs
	}

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.CallExpr:
			errs = append(errs, validateCallExpr(fset, node, rules.Calls)...)
		case *ast.BinaryExpr:
			if rules.SentinelCompare {
				errs = append(errs, validateBinaryExpr(fset, node)...)
			}
		case *ast.Ident:
			errs = append(errs, validateIdentifier(fset, node, rules.Idents)...)
		}
		return true
	})
	return errs
}

func validateCallExpr(fset *token.FileSet, call *ast.CallExpr, calls map[string]string) []Error {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return nil
	}
	pkg, ok := sel.X.(*ast.Ident)
	if !ok {
		return nil
	}
	name := pkg.Name + "." + sel.Sel.Name
	message, forbidden := calls[name]
	if !forbidden {
		return nil
	}
	pos := fset.Position(call.Pos())
	return []Error{{File: pos.Filename, Line: pos.Line, Message: message, Code: name + "(...)"}}
}

func validateBinaryExpr(fset *token.FileSet, binary *ast.BinaryExpr) []Error {
	if binary.Op != token.EQL && binary.Op != token.NEQ {
		return nil
	}
	if !isSentinelError(binary.X) && !isSentinelError(binary.Y) {
		return nil
	}
	pos := fset.Position(binary.Pos())
	return []Error{{
		File:    pos.Filename,
		Line:    pos.Line,
		Message: "Compare sentinel errors with errors.Is so wrapped errors still match",
		Code:    "err " + binary.Op.String() + " Err...",
	}}
}

func validateIdentifier(fset *token.FileSet, ident *ast.Ident, idents map[string]string) []Error {
	message, forbidden := idents[ident.Name]
	if !forbidden {
		return nil
	}
	pos := fset.Position(ident.Pos())
	return []Error{{File: pos.Filename, Line: pos.Line, Message: message, Code: ident.Name}}
}

func isSentinelError(expr ast.Expr) bool {
	switch e := expr.(type) {
	case *ast.Ident:
		return isSentinelName(e.Name)
	case *ast.SelectorExpr:
		return isSentinelName(e.Sel.Name)
	}
	return false
}

func isSentinelName(name string) bool {
	return len(name) > 3 && strings.HasPrefix(name, "Err") && name[3] >= 'A' && name[3] <= 'Z'
}

func isCommentLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*")
}

// stripTrailingComment drops a trailing // comment that sits outside a string literal.
func stripTrailingComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '/':
			if !inString && i+1 < len(line) && line[i+1] == '/' {
				return line[:i]
			}
		}
	}
	return line
}

func copyMessages(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
