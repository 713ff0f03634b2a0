// Command adder runs a compiled program image.
//
// Usage:
//
//	adder [flags] program.img
//	adder [flags]            (entry image taken from adder.toml)
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/adder-lang/adder/manifest"
	"github.com/adder-lang/adder/vm"
	"github.com/adder-lang/adder/vm/image"
)

func main() {
	os.Exit(run())
}

func run() int {
	verbosity := flag.Int("verbose", 0, "log verbosity (0 quiet, higher is chattier)")
	manifestPath := flag.String("manifest", "", "path to adder.toml (default: search upward from cwd)")
	flag.Parse()

	var mf *manifest.Manifest
	if *manifestPath != "" {
		loaded, err := manifest.Load(*manifestPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "adder:", err)
			return 2
		}
		mf = loaded
	} else if flag.NArg() == 0 {
		path, err := manifest.Find(".")
		if err != nil {
			fmt.Fprintln(os.Stderr, "adder:", err)
			return 2
		}
		loaded, err := manifest.Load(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "adder:", err)
			return 2
		}
		mf = loaded
	}

	level := *verbosity
	if mf != nil && level == 0 {
		level = mf.Log.Verbosity
	}
	commonlog.Configure(level, nil)

	imagePath := ""
	switch {
	case flag.NArg() > 1:
		fmt.Fprintln(os.Stderr, "adder: expected at most one program image")
		return 2
	case flag.NArg() == 1:
		imagePath = flag.Arg(0)
	default:
		imagePath = mf.EntryPath()
	}

	f, err := os.Open(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "adder:", err)
		return 2
	}
	name, entry, err := image.Read(f)
	f.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "adder:", err)
		return 2
	}

	m := vm.New()
	defer m.Close()
	if mf != nil {
		mf.Apply(m)
	}

	res, err := m.RunCode(entry, name)
	if err != nil {
		if u, ok := err.(*vm.Uncaught); ok {
			fmt.Fprintln(os.Stderr, u.Render())
			m.Release(u.Exc)
			return 1
		}
		fmt.Fprintln(os.Stderr, "adder:", err)
		return 1
	}
	defer m.Release(res)

	if res.IsSmallInt() {
		return int(res.SmallInt())
	}
	return 0
}
