// Package memdb is an in-memory multi-value backend implementing
// connection.Driver. It keeps records as raw delimited text, supports a
// small TCL and RetrieVe subset, transactions and BASIC subroutines written
// in Go. It backs the "memory" server backend and the runtime tests.
package memdb

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// Subroutine is a cataloged program. args has exactly the declared number
// of arguments; the returned slice replaces them.
type Subroutine func(args []string) ([]string, error)

// DB is a shared in-memory database. Many connections may be open on it.
type DB struct {
	mu          sync.RWMutex
	files       map[string]map[string]string
	subroutines map[string]Subroutine

	user     string
	password string
	down     bool
	// generation is bumped by Kill; connections from older generations
	// report a lost connection.
	generation int
	dials      int
}

// New returns an empty database with a VOC and a system catalog file.
func New() *DB {
	db := &DB{
		files:       make(map[string]map[string]string),
		subroutines: make(map[string]Subroutine),
	}
	db.files["VOC"] = make(map[string]string)
	db.files[catalogFile] = make(map[string]string)
	return db
}

const catalogFile = "&SYSCAT&"

// SetCredentials makes Dial require user and password.
func (db *DB) SetCredentials(user, password string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.user, db.password = user, password
}

// CreateFile creates an empty file and its VOC entry. Existing files are kept.
func (db *DB) CreateFile(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.createFileLocked(name)
}

// createFileLocked creates the data and dictionary portions of name.
func (db *DB) createFileLocked(name string) {
	name, _ = connection.ParseFileName(name)
	if _, ok := db.files[dictPrefix+name]; !ok {
		db.files[dictPrefix+name] = make(map[string]string)
	}
	if _, ok := db.files[name]; ok {
		return
	}
	db.files[name] = make(map[string]string)
	db.files["VOC"][name] = strings.Join([]string{"F", name, dictPrefix + name}, dynarray.AttributeMark)
}

// dictPrefix names the physical dictionary of a file, as in the VOC.
const dictPrefix = "D_"

// physical maps "DICT CUST" to the dictionary's storage name.
func physical(name string) string {
	base, dict := connection.ParseFileName(name)
	if dict {
		return dictPrefix + base
	}
	return base
}

// Put stores raw record text, creating the file if needed. file may be
// "DICT name" to store a dictionary item.
func (db *DB) Put(file, id, raw string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.createFileLocked(file)
	db.files[physical(file)][id] = raw
}

// Get returns raw record text as last committed.
func (db *DB) Get(file, id string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	raw, ok := db.files[physical(file)][id]
	return raw, ok
}

// Catalog registers a subroutine under name.
func (db *DB) Catalog(name string, fn Subroutine) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.subroutines[name] = fn
	db.files[catalogFile][name] = strings.Join([]string{"B", name}, dynarray.AttributeMark)
}

// SetDown makes new dials fail until called again with false.
func (db *DB) SetDown(down bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.down = down
}

// Kill breaks every open connection, as a backend restart would.
func (db *DB) Kill() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.generation++
}

// Dials reports how many connections have been opened.
func (db *DB) Dials() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.dials
}

// Dialer returns a connection.Dialer for db.
func (db *DB) Dialer() connection.Dialer {
	return connection.DialerFunc(db.dial)
}

func (db *DB) dial(p connection.ConnectParams) (connection.Driver, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.down {
		return nil, fmt.Errorf("dial %s:%d: %w", p.Host, p.Port, connection.ErrConnectionLost)
	}
	if db.user != "" && (p.User != db.user || p.Password != db.password) {
		return nil, errors.New("login failed: invalid user name or password")
	}
	db.dials++
	return &Conn{db: db, generation: db.generation, user: p.User, account: p.Account}, nil
}

// fixtureParser allows larger documents than the configuration file but
// keeps the same depth and alias protection.
var fixtureParser = security.NewSafeYAMLParser(security.YAMLLimits{
	MaxFileSize:  16 << 20,
	MaxDepth:     16,
	MaxNodes:     1 << 20,
	MaxKeyLength: 256,
	MaxValueSize: 64 << 10,
})

// fixture is the YAML seed layout: file name to record id to record, with
// records in the positional JSON form accepted by dynarray.FromJSON.
// Dictionaries use the same layout keyed by the data file's name.
type fixture struct {
	Files        map[string]map[string]any `yaml:"files"`
	Dictionaries map[string]map[string]any `yaml:"dictionaries"`
}

// LoadYAML seeds db from a YAML document such as:
//
//	files:
//	  CUST:
//	    C100: ["Acme", ["x", "y"]]
//	dictionaries:
//	  CUST:
//	    NAME: ["D", "1", "", "Name", "20L", "S"]
func (db *DB) LoadYAML(data []byte) error {
	var fx fixture
	if err := fixtureParser.UnmarshalYAML(data, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	if err := db.load(fx.Files, false); err != nil {
		return err
	}
	return db.load(fx.Dictionaries, true)
}

func (db *DB) load(files map[string]map[string]any, dict bool) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, base := range names {
		db.CreateFile(base)
		name := connection.FileName(base, dict)
		for id, v := range files[base] {
			rec, err := dynarray.FromJSON(v)
			if err != nil {
				return fmt.Errorf("fixture %s %s: %w", name, id, err)
			}
			raw, err := dynarray.Encode(rec)
			if err != nil {
				return fmt.Errorf("fixture %s %s: %w", name, id, err)
			}
			db.Put(name, id, raw)
		}
	}
	return nil
}
