package pypi

import "testing"

func TestParseVersionAndCompare(t *testing.T) {
	older, err := ParseVersion("1.0.0")
	if err != nil {
		t.Fatalf("ParseVersion(1.0.0): %v", err)
	}
	newer, err := ParseVersion("1.0.1")
	if err != nil {
		t.Fatalf("ParseVersion(1.0.1): %v", err)
	}
	if older.Compare(newer) >= 0 {
		t.Errorf("1.0.0 should compare less than 1.0.1")
	}
	if newer.Compare(older) <= 0 {
		t.Errorf("1.0.1 should compare greater than 1.0.0")
	}
}

func TestIsPreRelease(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0.0", false},
		{"1.0.0a1", true},
		{"1.0.0b2", true},
		{"1.0.0rc1", true},
		{"1.0.0.dev0", true},
		{"2.0.0.post1", false},
	}
	for _, tt := range tests {
		v, err := ParseVersion(tt.version)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", tt.version, err)
		}
		if got := v.IsPreRelease(); got != tt.want {
			t.Errorf("IsPreRelease(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestSpecifierMatches(t *testing.T) {
	spec, err := ParseSpecifier(">=1.0,<2.0")
	if err != nil {
		t.Fatalf("ParseSpecifier: %v", err)
	}
	inRange, _ := ParseVersion("1.5.0")
	tooOld, _ := ParseVersion("0.9.0")
	tooNew, _ := ParseVersion("2.0.0")

	if !spec.Matches(inRange) {
		t.Error("1.5.0 should match >=1.0,<2.0")
	}
	if spec.Matches(tooOld) {
		t.Error("0.9.0 should not match >=1.0,<2.0")
	}
	if spec.Matches(tooNew) {
		t.Error("2.0.0 should not match >=1.0,<2.0")
	}
}

func TestSortDescending(t *testing.T) {
	raw := []string{"1.0.0", "2.0.0", "1.5.0"}
	versions := make([]Version, len(raw))
	for i, s := range raw {
		v, err := ParseVersion(s)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", s, err)
		}
		versions[i] = v
	}
	SortDescending(versions)
	want := []string{"2.0.0", "1.5.0", "1.0.0"}
	for i, v := range versions {
		if v.String() != want[i] {
			t.Errorf("SortDescending()[%d] = %q, want %q", i, v.String(), want[i])
		}
	}
}
