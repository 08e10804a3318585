// Package loader wraps dynamic artifact loading behind an interface so the
// host and its tests never depend directly on the platform plugin
// toolchain (real .so artifacts are not buildable inside a unit test run).
package loader

import (
	"errors"
	"fmt"
	"plugin"
)

// EntryPoint is the resolved mod_main symbol: given a handle (opaque to
// the artifact, supplied by the host) and an argv, run until the module's
// own logic decides to return, yielding an exit code and an error number.
type EntryPoint func(handle interface{}, argv []string) (exitCode int, errnum int)

// Artifact is a loaded module artifact: its resolved entry point and,
// optionally, the legacy mod_name symbol for a consistency check.
type Artifact interface {
	// EntryPoint returns the resolved mod_main function.
	EntryPoint() EntryPoint
	// LegacyName returns the artifact's mod_name symbol value and whether
	// it was present at all. create() treats a present-but-mismatched name
	// as a fatal construction error.
	LegacyName() (name string, present bool)
	// Close releases the loaded artifact. Safe to call more than once.
	Close() error
}

// ErrEntryPointMissing is returned by Load when an artifact has no
// mod_main symbol of the expected shape.
var ErrEntryPointMissing = errors.New("loader: mod_main entry point missing")

// Loader opens a loadable artifact by filesystem path.
type Loader interface {
	Load(path string) (Artifact, error)
}

// PluginLoader loads real Go plugins (.so files built with `go build
// -buildmode=plugin`). It is the production Loader; hosts under test use
// the fake Loader in faketest instead, since plugin.Open requires an
// artifact built with a matching toolchain on disk.
type PluginLoader struct{}

// pluginArtifact adapts a *plugin.Plugin to the Artifact interface.
type pluginArtifact struct {
	p *plugin.Plugin
}

// Load opens path with plugin.Open and resolves ModMain (required) and
// ModName (optional), the symbol names an artifact is expected to
// export.
func (PluginLoader) Load(path string) (Artifact, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}

	if _, err := p.Lookup("ModMain"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryPointMissing, path)
	}

	return &pluginArtifact{p: p}, nil
}

func (a *pluginArtifact) EntryPoint() EntryPoint {
	sym, err := a.p.Lookup("ModMain")
	if err != nil {
		return nil
	}
	fn, ok := sym.(func(interface{}, []string) (int, int))
	if !ok {
		return nil
	}
	return fn
}

func (a *pluginArtifact) LegacyName() (string, bool) {
	sym, err := a.p.Lookup("ModName")
	if err != nil {
		return "", false
	}
	namePtr, ok := sym.(*string)
	if !ok {
		return "", false
	}
	return *namePtr, true
}

// Close is a no-op: the Go plugin runtime never unloads a .so once
// opened. Present so Artifact has a uniform release point the host can
// call without special-casing the production loader, the same as the
// fake artifact's Close, which only records that it was called.
func (a *pluginArtifact) Close() error {
	return nil
}
