// Package faketest provides an in-memory Loader/Artifact pair standing in
// for real Go plugins, so tests and the demo command can drive the full
// module host without a compiled .so on disk.
package faketest

import (
	"fmt"
	"sync"

	"github.com/tenzoki/gobroker/internal/loader"
)

// Loader resolves paths registered via Register instead of touching the
// filesystem or the platform plugin loader.
type Loader struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
}

// NewLoader returns an empty fake Loader.
func NewLoader() *Loader {
	return &Loader{artifacts: make(map[string]*Artifact)}
}

// Register makes path resolve to artifact on a subsequent Load.
func (l *Loader) Register(path string, artifact *Artifact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.artifacts[path] = artifact
}

// Load implements loader.Loader.
func (l *Loader) Load(path string) (loader.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.artifacts[path]
	if !ok {
		return nil, fmt.Errorf("faketest: no artifact registered for %s", path)
	}
	if a.entry == nil {
		return nil, loader.ErrEntryPointMissing
	}
	clone := *a
	return &clone, nil
}

// Artifact is a fake loaded module: a Go closure standing in for
// mod_main, plus an optional legacy name to exercise the mismatch check.
type Artifact struct {
	entry      loader.EntryPoint
	legacyName string
	hasLegacy  bool
	closed     bool
}

// NewArtifact builds a fake artifact whose entry point is fn.
func NewArtifact(fn loader.EntryPoint) *Artifact {
	return &Artifact{entry: fn}
}

// WithLegacyName attaches a mod_name symbol value, for exercising
// create()'s name-mismatch rejection.
func (a *Artifact) WithLegacyName(name string) *Artifact {
	a.legacyName = name
	a.hasLegacy = true
	return a
}

func (a *Artifact) EntryPoint() loader.EntryPoint {
	return a.entry
}

func (a *Artifact) LegacyName() (string, bool) {
	return a.legacyName, a.hasLegacy
}

func (a *Artifact) Close() error {
	a.closed = true
	return nil
}

// Closed reports whether Close has run, for assertions in tests.
func (a *Artifact) Closed() bool {
	return a.closed
}

// EchoEntryPoint returns an EntryPoint that simply returns exitCode 0 and
// errnum 0, a stand-in for a module whose real work happens entirely via
// its broker handle (the common case exercised by the host tests: the
// interesting behavior is in routing/lifecycle, not in the entry point
// itself).
func EchoEntryPoint() loader.EntryPoint {
	return func(handle interface{}, argv []string) (int, int) {
		return 0, 0
	}
}

// FailingEntryPoint returns an EntryPoint that always reports the given
// failure, exercising an abnormal-exit scenario.
func FailingEntryPoint(exitCode, errnum int) loader.EntryPoint {
	return func(handle interface{}, argv []string) (int, int) {
		return exitCode, errnum
	}
}

// doner is satisfied by *module.Handle without this package importing
// module, avoiding a dependency cycle (module's tests import faketest).
type doner interface {
	Done() <-chan struct{}
}

// BlockingEntryPoint returns an EntryPoint that runs until its handle's
// context is cancelled, exercising a destroy-mid-run scenario: the entry
// point must be cancellation-aware at its own suspension points.
func BlockingEntryPoint() loader.EntryPoint {
	return func(handle interface{}, argv []string) (int, int) {
		if d, ok := handle.(doner); ok {
			<-d.Done()
		}
		return 0, 0
	}
}
