package registry

import "sync"

// The process-wide registry is created explicitly at startup and torn down
// explicitly at shutdown. There is no implicit construction on first access:
// calling Default before Init panics, which surfaces wiring mistakes early.

var (
	globalMu sync.Mutex
	global   *Registry
)

// Init creates and installs the process-wide registry. Calling Init twice
// without an intervening Teardown returns the existing instance.
func Init() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// Default returns the process-wide registry installed by Init.
func Default() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		panic("registry: Default called before Init")
	}
	return global
}

// Teardown discards the process-wide registry.
func Teardown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
