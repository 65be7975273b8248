package pypi

import "testing"

func TestAffectedProjectsDedupesAndNormalizes(t *testing.T) {
	entries := []ChangelogEntry{
		{Project: "NumPy", Serial: 10},
		{Project: "numpy", Serial: 11},
		{Project: "zope.interface", Serial: 12},
	}
	got := AffectedProjects(entries)
	if len(got) != 2 {
		t.Fatalf("AffectedProjects() = %v, want 2 entries", got)
	}
	seen := map[string]bool{}
	for _, n := range got {
		seen[n] = true
	}
	if !seen["numpy"] || !seen["zope-interface"] {
		t.Errorf("AffectedProjects() = %v, want [numpy zope-interface]", got)
	}
}

func TestMaxSerial(t *testing.T) {
	entries := []ChangelogEntry{{Serial: 5}, {Serial: 42}, {Serial: 7}}
	if got := MaxSerial(entries); got != 42 {
		t.Errorf("MaxSerial() = %d, want 42", got)
	}
	if got := MaxSerial(nil); got != 0 {
		t.Errorf("MaxSerial(nil) = %d, want 0", got)
	}
}
