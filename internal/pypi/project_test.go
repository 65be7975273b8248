package pypi

import "testing"

func TestFromWarehouse(t *testing.T) {
	doc := &WarehouseProject{
		Info:       WarehouseInfo{Name: "PeerMe", Version: "1.0.0"},
		LastSerial: 123,
		Releases: map[string][]WarehouseFile{
			"1.0.0": {
				{
					Filename:    "peerme-1.0.0-py36-none-any.whl",
					URL:         "https://files.pythonhosted.org/packages/.../peerme-1.0.0-py36-none-any.whl",
					PackageType: "bdist_wheel",
					Size:        2048,
					Digests: WarehouseDigests{
						SHA256: "bc9430dae93f8bc53728773545cbb646a6b5327f98de31bdd6e1a2b2c6e805a9",
					},
				},
			},
			"1.0.1a1": {
				{Filename: "peerme-1.0.1a1.tar.gz", PackageType: "sdist", Size: 512},
			},
		},
	}

	p, err := FromWarehouse(doc)
	if err != nil {
		t.Fatalf("FromWarehouse: %v", err)
	}
	if p.NormalizedName != "peerme" {
		t.Errorf("NormalizedName = %q, want peerme", p.NormalizedName)
	}
	if p.LastSerial != 123 {
		t.Errorf("LastSerial = %d, want 123", p.LastSerial)
	}
	if len(p.Releases) != 2 {
		t.Fatalf("len(Releases) = %d, want 2", len(p.Releases))
	}

	rel, ok := p.Releases["1.0.0"]
	if !ok {
		t.Fatal("missing release 1.0.0")
	}
	if rel.IsPreRelease() {
		t.Error("1.0.0 should not be a pre-release")
	}
	if len(rel.Files) != 1 {
		t.Fatalf("len(Files) = %d, want 1", len(rel.Files))
	}
	path, err := rel.Files[0].StoragePath()
	if err != nil {
		t.Fatalf("StoragePath: %v", err)
	}
	want := "packages/bc/94/30dae93f8bc53728773545cbb646a6b5327f98de31bdd6e1a2b2c6e805a9/peerme-1.0.0-py36-none-any.whl"
	if path != want {
		t.Errorf("StoragePath() = %q, want %q", path, want)
	}

	pre, ok := p.Releases["1.0.1a1"]
	if !ok {
		t.Fatal("missing release 1.0.1a1")
	}
	if !pre.IsPreRelease() {
		t.Error("1.0.1a1 should be a pre-release")
	}
}

func TestReleaseFileStoragePathRequiresDigest(t *testing.T) {
	f := ReleaseFile{Filename: "x-1.0.tar.gz"}
	if _, err := f.StoragePath(); err == nil {
		t.Fatal("expected error for file without sha256")
	}
}
