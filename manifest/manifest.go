// Package manifest loads adder.toml, the per-project runtime manifest:
// package identity, the entry image, and engine tuning.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/adder-lang/adder/vm"
)

// Filename is the canonical manifest file name.
const Filename = "adder.toml"

// Manifest is the parsed adder.toml.
type Manifest struct {
	Package PackageSection `toml:"package"`
	Runtime RuntimeSection `toml:"runtime"`
	Log     LogSection     `toml:"log"`

	// Dir is the directory the manifest was loaded from; relative paths
	// resolve against it.
	Dir string `toml:"-"`
}

// PackageSection identifies the program.
type PackageSection struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// RuntimeSection tunes the execution engine.
type RuntimeSection struct {
	RecursionLimit int `toml:"recursion_limit"`
	CycleThreshold int `toml:"cycle_threshold"`
}

// LogSection controls log output.
type LogSection struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns a manifest with engine defaults filled in.
func Default() *Manifest {
	return &Manifest{
		Runtime: RuntimeSection{
			RecursionLimit: vm.DefaultRecursionLimit,
			CycleThreshold: vm.DefaultCycleThreshold,
		},
	}
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	m := Default()
	meta, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest %s: unknown key %q", path, undecoded[0].String())
	}
	m.Dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Find walks from dir upward looking for adder.toml.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, Filename)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s found in %s or any parent", Filename, dir)
		}
		dir = parent
	}
}

// Validate checks internal consistency.
func (m *Manifest) Validate() error {
	if m.Package.Name == "" {
		return fmt.Errorf("package.name is required")
	}
	if m.Package.Entry == "" {
		return fmt.Errorf("package.entry is required")
	}
	if m.Runtime.RecursionLimit < 1 {
		return fmt.Errorf("runtime.recursion_limit must be positive, got %d", m.Runtime.RecursionLimit)
	}
	if m.Runtime.CycleThreshold < 0 {
		return fmt.Errorf("runtime.cycle_threshold must be non-negative, got %d", m.Runtime.CycleThreshold)
	}
	return nil
}

// EntryPath resolves the entry image path against the manifest directory.
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Package.Entry) || m.Dir == "" {
		return m.Package.Entry
	}
	return filepath.Join(m.Dir, m.Package.Entry)
}

// Apply configures a machine from the runtime section.
func (m *Manifest) Apply(machine *vm.Machine) {
	machine.SetRecursionLimit(m.Runtime.RecursionLimit)
	machine.SetCycleThreshold(m.Runtime.CycleThreshold)
}
