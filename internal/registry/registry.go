// Package registry specifies the proxy service-registration interface the
// module host calls out to. The real implementation — a component that
// tracks pending add/remove futures for downstream broker clients — lives
// outside this repository; this package only defines the contract plus
// InMemory, a local-only implementation of it.
package registry

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Remove when name has no current owner, or
// the owner's uuid does not match the caller's.
var ErrNotFound = errors.New("registry: not found")

// RespondCB is invoked by the registry's owner when upstream state
// changes it did not initiate locally; arg is whatever was passed to
// SetRespond.
type RespondCB func(name, uuid string, arg interface{})

// ServiceRegistry is the external collaborator's contract: unique-by-name
// registration of (name -> owning module uuid), matched against inbound
// messages, with disconnect and teardown hooks.
type ServiceRegistry interface {
	// Add registers name as owned by uuid. msg is the RPC that requested
	// the registration, kept only so an open-loop unregister can be sent
	// later if the registry is torn down mid-flight.
	Add(name, uuid string, msg interface{}) error
	// Remove unregisters name if uuid matches the current owner.
	// ErrNotFound if name is unregistered or uuid does not match.
	Remove(name, uuid string, msg interface{}) error
	// Match resolves a message to the uuid of its owning module, if any.
	Match(msg interface{}) (uuid string, ok bool)
	// Disconnect releases every registration owned by uuid, as if each
	// had been individually removed.
	Disconnect(uuid string)
	// SetRespond installs the callback for upstream-initiated state
	// changes.
	SetRespond(cb RespondCB, arg interface{})
	// Destroy tears the registry down. Any registration still pending
	// upstream is flushed with an open-loop unregister so the upstream
	// broker's state is not leaked.
	Destroy()
}

type registration struct {
	uuid string
}

// InMemory is a local, non-networked ServiceRegistry: matching is by
// exact name lookup against a message's ServiceName() method, with no upstream
// broker to flush pending registrations to on Destroy (there is none in
// this repository's scope), so Destroy simply clears local state.
type InMemory struct {
	mu    sync.Mutex
	byName map[string]registration
	cb     RespondCB
	cbArg  interface{}
}

// Named is the minimal shape Match expects from a message.
type Named interface {
	ServiceName() string
}

// NewInMemory returns an empty InMemory registry.
func NewInMemory() *InMemory {
	return &InMemory{byName: make(map[string]registration)}
}

func (r *InMemory) Add(name, uuid string, msg interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return errors.New("registry: name already registered")
	}
	r.byName[name] = registration{uuid: uuid}
	return nil
}

func (r *InMemory) Remove(name, uuid string, msg interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.byName[name]
	if !exists || reg.uuid != uuid {
		return ErrNotFound
	}
	delete(r.byName, name)
	return nil
}

func (r *InMemory) Match(msg interface{}) (string, bool) {
	named, ok := msg.(Named)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, exists := r.byName[named.ServiceName()]
	if !exists {
		return "", false
	}
	return reg.uuid, true
}

func (r *InMemory) Disconnect(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, reg := range r.byName {
		if reg.uuid == uuid {
			delete(r.byName, name)
		}
	}
}

func (r *InMemory) SetRespond(cb RespondCB, arg interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
	r.cbArg = arg
}

func (r *InMemory) Destroy() {
	r.mu.Lock()
	r.byName = make(map[string]registration)
	r.mu.Unlock()
}
