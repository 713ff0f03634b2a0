package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adder-lang/adder/vm"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[package]
name = "demo"
version = "0.3.0"
entry = "build/demo.img"

[runtime]
recursion_limit = 256
cycle_threshold = 5000

[log]
verbosity = 1
`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Package.Name != "demo" || m.Package.Version != "0.3.0" {
		t.Fatalf("package = %+v", m.Package)
	}
	if m.Runtime.RecursionLimit != 256 || m.Runtime.CycleThreshold != 5000 {
		t.Fatalf("runtime = %+v", m.Runtime)
	}
	if m.Log.Verbosity != 1 {
		t.Fatalf("log = %+v", m.Log)
	}
	if m.Dir != dir {
		t.Fatalf("dir = %q, want %q", m.Dir, dir)
	}
	if got := m.EntryPath(); got != filepath.Join(dir, "build", "demo.img") {
		t.Fatalf("entry path = %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[package]
name = "demo"
entry = "demo.img"
`)
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Runtime.RecursionLimit != vm.DefaultRecursionLimit {
		t.Fatalf("recursion limit = %d", m.Runtime.RecursionLimit)
	}
	if m.Runtime.CycleThreshold != vm.DefaultCycleThreshold {
		t.Fatalf("cycle threshold = %d", m.Runtime.CycleThreshold)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
[package]
name = "demo"
entry = "demo.img"
entrypoint = "oops"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("unknown key not rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
		want   string
	}{
		{"missing name", func(m *Manifest) { m.Package.Name = "" }, "package.name"},
		{"missing entry", func(m *Manifest) { m.Package.Entry = "" }, "package.entry"},
		{"zero recursion limit", func(m *Manifest) { m.Runtime.RecursionLimit = 0 }, "recursion_limit"},
		{"negative cycle threshold", func(m *Manifest) { m.Runtime.CycleThreshold = -1 }, "cycle_threshold"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := Default()
			m.Package.Name = "demo"
			m.Package.Entry = "demo.img"
			test.mutate(m)
			err := m.Validate()
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("got %v, want mention of %s", err, test.want)
			}
		})
	}
}

func TestFindWalksUpward(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[package]\nname = \"demo\"\nentry = \"demo.img\"\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	path, err := Find(nested)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(root, Filename) {
		t.Fatalf("found %q", path)
	}
}

func TestFindMissing(t *testing.T) {
	if _, err := Find(t.TempDir()); err == nil {
		t.Fatal("expected an error when no manifest exists")
	}
}
