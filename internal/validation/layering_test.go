package validation

import (
	"os/exec"
	"testing"
)

func TestCheckImportsFlagsForbiddenEdges(t *testing.T) {
	graph := map[string][]string{
		"pharmachain/pkg/domain":                    {"errors", "pharmachain/internal/core"},
		"pharmachain/internal/core":                 {"pharmachain/pkg/domain", "pharmachain/internal/adapters/auditexport"},
		"pharmachain/internal/infra/persistence/pg": {"pharmachain/pkg/domain"},
		"pharmachain/internal/events":               {"github.com/segmentio/kafka-go"},
		"pharmachain/internal/archive":              {"pharmachain/internal/infra/archive/fs"},
		"pharmachain/internal/adapters/auditexport": {"pharmachain/internal/infra/archive/s3"},
		"pharmachain/internal/coreutil":             {"pharmachain/internal/adapters/x"},
	}
	got := CheckImports(graph, DefaultLayerRules("pharmachain"))
	want := []LayerViolation{
		{Rule: "archive-through-facade", Package: "pharmachain/internal/adapters/auditexport", Import: "pharmachain/internal/infra/archive/s3"},
		{Rule: "core-below-adapters", Package: "pharmachain/internal/core", Import: "pharmachain/internal/adapters/auditexport"},
		{Rule: "domain-is-leaf", Package: "pharmachain/pkg/domain", Import: "pharmachain/internal/core"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d violations, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("violation %d: got %s want %s", i, got[i], want[i])
		}
	}
	if s := got[2].String(); s != "domain-is-leaf: pharmachain/pkg/domain imports pharmachain/internal/core" {
		t.Fatalf("unexpected rendering %q", s)
	}
}

func TestCheckImportsCleanGraph(t *testing.T) {
	graph := map[string][]string{
		"pharmachain/cmd/pharmactl":             {"pharmachain/internal/core", "pharmachain/internal/archive"},
		"pharmachain/internal/core":             {"pharmachain/pkg/domain", "pharmachain/internal/infra/persistence/memory"},
		"pharmachain/internal/infra/archive/fs": {"pharmachain/internal/archive/core"},
	}
	if got := CheckImports(graph, DefaultLayerRules("pharmachain")); len(got) != 0 {
		t.Fatalf("expected no violations, got %v", got)
	}
}

func TestRepositoryLayering(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skipf("go toolchain not available: %v", err)
	}
	violations, err := CheckLayering("../..", "pharmachain", false)
	if err != nil {
		t.Fatalf("check layering: %v", err)
	}
	for _, v := range violations {
		t.Errorf("forbidden import: %s", v)
	}
}
