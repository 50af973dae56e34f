package idgen

import (
	"context"
	"testing"

	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
)

// ---
// Generate — collision resolution
// ---

func TestGenerateProducesDistinctRootIds(t *testing.T) {
	g := New(Options{})
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id, err := g.Generate(context.Background(), "rapid", "creator-1", nil, GenerateOpts{})
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if !rootPattern.MatchString(id) {
			t.Errorf("id %q does not match root pattern", id)
		}
		p, err := g.Parse(id)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", id, err)
		}
		if len(p.Hash) != 4 {
			t.Errorf("id %q hash length = %d, want 4 (default)", id, len(p.Hash))
		}
		if seen[id] {
			t.Errorf("id %q generated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 100 {
		t.Errorf("got %d distinct ids, want 100", len(seen))
	}
}

// ---
// ChildId — depth enforcement
// ---

func TestChildIdDepthEnforcement(t *testing.T) {
	g := New(Options{})
	root := "el-abc"

	c1, err := g.ChildId(root, 1)
	if err != nil {
		t.Fatalf("ChildId depth 1: %v", err)
	}
	c2, err := g.ChildId(c1, 2)
	if err != nil {
		t.Fatalf("ChildId depth 2: %v", err)
	}
	c3, err := g.ChildId(c2, 3)
	if err != nil {
		t.Fatalf("ChildId depth 3: %v", err)
	}
	if c3 != "el-abc.1.2.3" {
		t.Errorf("got %q, want el-abc.1.2.3", c3)
	}

	if _, err := g.ChildId(c3, 4); !orcherr.IsConstraint(err) {
		t.Errorf("ChildId at depth 4 should fail Constraint, got %v", err)
	}
}

func TestChildIdRejectsNonPositiveIndex(t *testing.T) {
	g := New(Options{})
	if _, err := g.ChildId("el-abc", 0); !orcherr.IsValidation(err) {
		t.Errorf("ChildId(n=0) should fail Validation, got %v", err)
	}
	if _, err := g.ChildId("el-abc", -1); !orcherr.IsValidation(err) {
		t.Errorf("ChildId(n=-1) should fail Validation, got %v", err)
	}
}

// ---
// Generate — adaptive length
// ---

func TestGenerateAdaptiveLength(t *testing.T) {
	g := New(Options{})
	id, err := g.Generate(context.Background(), "rapid", "creator-1", nil, GenerateOpts{ElementCount: 10000})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	p, err := g.Parse(id)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", id, err)
	}
	if len(p.Hash) != 6 {
		t.Errorf("hash length = %d, want 6 for elementCount=10000", len(p.Hash))
	}
}

func TestHashLengthTable(t *testing.T) {
	cases := []struct {
		count int
		want  int
	}{
		{0, 3}, {99, 3}, {100, 4}, {499, 4}, {500, 5},
		{2999, 5}, {3000, 6}, {19999, 6}, {20000, 7},
		{99999, 7}, {100000, 8}, {1000000, 8},
	}
	for _, c := range cases {
		if got := hashLengthFor(c.count); got != c.want {
			t.Errorf("hashLengthFor(%d) = %d, want %d", c.count, got, c.want)
		}
	}
}

// ---
// Parse — id round-trip
// ---

func TestParseRoundTrip(t *testing.T) {
	g := New(Options{})
	ids := []string{"el-abc", "el-ab3f9x", "ta-xyz12.1", "ta-xyz12.1.2", "ta-xyz12.1.2.3"}
	for _, id := range ids {
		p, err := g.Parse(id)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", id, err)
		}
		if got := p.String(); got != id {
			t.Errorf("round trip %q -> %q", id, got)
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	g := New(Options{})
	invalid := []string{"", "EL-abc", "el_abc", "el-AB", "el-ab.0", "el-ab.1.2.3.4", "el-ab.x"}
	for _, id := range invalid {
		if _, err := g.Parse(id); !orcherr.IsValidation(err) {
			t.Errorf("Parse(%q) should fail Validation, got %v", id, err)
		}
	}
}

// ---
// Generate — collision/length exhaustion
// ---

func TestGenerateExhaustsToConflict(t *testing.T) {
	g := New(Options{})
	alwaysCollides := func(ctx context.Context, candidate string) (bool, error) { return true, nil }
	_, err := g.Generate(context.Background(), "rapid", "creator-1", nil, GenerateOpts{Collision: alwaysCollides})
	if !orcherr.IsConflict(err) {
		t.Errorf("expected Conflict after exhaustion, got %v", err)
	}
}

func TestGenerateRejectsBadPrefix(t *testing.T) {
	g := New(Options{})
	if _, err := g.Generate(context.Background(), "R1", "creator", nil, GenerateOpts{}); !orcherr.IsValidation(err) {
		t.Errorf("expected Validation for bad prefix, got %v", err)
	}
}
