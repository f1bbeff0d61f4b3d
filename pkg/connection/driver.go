package connection

import (
	"fmt"
	"sort"
	"sync"
)

// Driver is one authenticated backend connection as offered by the vendor
// client library. Calls are synchronous, cannot be interrupted and must not
// be made concurrently on the same Driver.
type Driver interface {
	// Execute runs a TCL command and returns its captured output.
	Execute(command string) (string, error)
	// Select runs a select-style query and returns the selected record ids.
	Select(query string) ([]string, error)
	// OpenFile opens the data or, when dict is set, the dictionary portion
	// of a file for record access.
	OpenFile(name string, dict bool) (File, error)
	// CallSubroutine calls a cataloged BASIC subroutine. args is passed by
	// reference; the returned slice holds the values after the call.
	CallSubroutine(name string, args []string) ([]string, error)

	Begin() error
	Commit() error
	Rollback() error

	Close() error
}

// File is an open backend file. Record payloads are raw delimited text.
type File interface {
	Name() string
	Read(id string) (string, error)
	Write(id, record string) error
	Delete(id string) error
	Close() error
}

// ConnectParams are the login details handed to a Dialer.
type ConnectParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Account  string
	// Service is the backend service name, "uvcs" or "udcs".
	Service string
	SSL     bool
}

// Dialer opens new Driver connections.
type Dialer interface {
	Dial(params ConnectParams) (Driver, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(params ConnectParams) (Driver, error)

// Dial calls f(params).
func (f DialerFunc) Dial(params ConnectParams) (Driver, error) { return f(params) }

var (
	dialersMu sync.RWMutex
	dialers   = make(map[string]Dialer)
)

// RegisterDialer makes a backend available by name. It panics if name is
// registered twice or dialer is nil.
func RegisterDialer(name string, dialer Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()
	if dialer == nil {
		panic("connection: RegisterDialer dialer is nil")
	}
	if _, dup := dialers[name]; dup {
		panic("connection: RegisterDialer called twice for " + name)
	}
	dialers[name] = dialer
}

// LookupDialer returns the dialer registered under name.
func LookupDialer(name string) (Dialer, error) {
	dialersMu.RLock()
	defer dialersMu.RUnlock()
	d, ok := dialers[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, registeredNames())
	}
	return d, nil
}

func registeredNames() []string {
	names := make([]string, 0, len(dialers))
	for n := range dialers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
