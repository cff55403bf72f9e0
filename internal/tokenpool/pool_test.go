package tokenpool_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/wopan/gateway/internal/tokenpool"
)

func newPool(t *testing.T) *tokenpool.Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	p, err := tokenpool.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestRoundRobinAdvancesMonotonically(t *testing.T) {
	p := newPool(t)
	if err := p.Remove("REPLACE_ME"); err != nil {
		t.Fatalf("Remove placeholder: %v", err)
	}
	for _, name := range []string{"A", "B", "C"} {
		if err := p.Add(name, name); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}

	var seen []string
	for i := 0; i < 6; i++ {
		tok, err := p.Acquire(tokenpool.RoundRobin)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		seen = append(seen, tok)
	}

	want := []string{"A", "B", "C", "A", "B", "C"}
	for i, w := range want {
		if seen[i] != w {
			t.Fatalf("acquire order mismatch at %d: got %v, want %v", i, seen, want)
		}
	}
}

func TestBestScoringPrefersNeverUsedBonus(t *testing.T) {
	p := newPool(t)
	p.Remove("REPLACE_ME")
	p.Add("A", "a")
	p.Add("B", "b")

	for i := 0; i < 100; i++ {
		p.ReportSuccess("A")
	}
	// Without an acquire, A would also be never-used and get the +10 bonus.
	// The round-robin warm-up below hands out A (first in insertion order)
	// and stamps its lastUsed to "now", so A scores about 100 + 0 while B,
	// still never used, scores 100 + 10: B's bonus is decisive.
	if _, err := p.Acquire(tokenpool.RoundRobin); err != nil {
		t.Fatalf("warm-up acquire: %v", err)
	}

	tok, err := p.Acquire(tokenpool.Best)
	if err != nil {
		t.Fatalf("Acquire(best): %v", err)
	}
	if tok != "B" {
		t.Fatalf("acquire(best) = %q, want B (never-used bonus should outweigh A's stale 100%% rate)", tok)
	}
}

func TestDeactivatesAfterElevenConsecutiveErrors(t *testing.T) {
	p := newPool(t)
	p.Remove("REPLACE_ME")
	p.Add("A", "a")

	for i := 0; i < 11; i++ {
		p.ReportError("A", "boom")
	}

	if _, err := p.Acquire(tokenpool.RoundRobin); err != tokenpool.ErrNoActiveTokens {
		t.Fatalf("Acquire after 11 errors = %v, want ErrNoActiveTokens", err)
	}

	stats := p.Stats()
	if len(stats) != 1 || stats[0].Active {
		t.Fatalf("stats = %+v, want a single inactive record", stats)
	}
}

func TestDeactivationRequiresLowSuccessRate(t *testing.T) {
	p := newPool(t)
	p.Remove("REPLACE_ME")
	p.Add("A", "a")

	for i := 0; i < 50; i++ {
		p.ReportSuccess("A")
	}
	for i := 0; i < 11; i++ {
		p.ReportError("A", "boom")
	}

	// successRate = 50/61 ≈ 82%, well above the 50% deactivation cutoff,
	// so the token stays active despite crossing the error count.
	stats := p.Stats()
	if !stats[0].Active {
		t.Fatalf("token deactivated despite high success rate: %+v", stats[0])
	}
}

func TestAddRejectsDuplicateThenRemoveAllowsReAdd(t *testing.T) {
	p := newPool(t)
	p.Remove("REPLACE_ME")

	if err := p.Add("A", "a"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add("A", "a"); !errors.Is(err, tokenpool.ErrDuplicateToken) {
		t.Fatalf("Add (duplicate) = %v, want ErrDuplicateToken", err)
	}
	if len(p.Stats()) != 1 {
		t.Fatalf("duplicate Add created a second record: %+v", p.Stats())
	}

	if err := p.Remove("A"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("Remove left a record behind: %+v", p.Stats())
	}

	if err := p.Add("A", "a"); err != nil {
		t.Fatalf("re-Add after Remove: %v", err)
	}
	if len(p.Stats()) != 1 {
		t.Fatalf("re-Add after Remove: %+v", p.Stats())
	}
}

func TestLoadSeedsPlaceholderOnMissingFile(t *testing.T) {
	p := newPool(t)
	stats := p.Stats()
	if len(stats) != 1 || stats[0].Token != "REPLACE_ME" || !stats[0].Active {
		t.Fatalf("cold-start placeholder missing or wrong: %+v", stats)
	}
}

func TestLoadRoundTripsPersistedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	p1, err := tokenpool.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p1.Remove("REPLACE_ME")
	p1.Add("A", "first")

	p2, err := tokenpool.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stats := p2.Stats()
	if len(stats) != 1 || stats[0].Token != "A" || stats[0].Name != "first" {
		t.Fatalf("reloaded pool mismatch: %+v", stats)
	}
	if stats[0].SuccessRate != 100.0 {
		t.Fatalf("reloaded record should start with a fresh 100%% rate, got %v", stats[0].SuccessRate)
	}
}
