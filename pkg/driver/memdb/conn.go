package memdb

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
)

// Conn is one connection to a DB. Like the vendor client it is not safe
// for concurrent use.
type Conn struct {
	db         *DB
	generation int
	user       string
	account    string
	closed     bool

	// pending holds transaction writes; a nil value is a delete.
	pending map[string]map[string]*string
	inTx    bool
}

var _ connection.Driver = (*Conn)(nil)

func (c *Conn) check() error {
	if c.closed {
		return fmt.Errorf("connection closed: %w", connection.ErrConnectionLost)
	}
	c.db.mu.RLock()
	gen := c.db.generation
	c.db.mu.RUnlock()
	if gen != c.generation {
		return fmt.Errorf("server went away: %w", connection.ErrConnectionLost)
	}
	return nil
}

// Execute supports WHO, DATE, COUNT, LIST, SORT and CATALOG.
func (c *Conn) Execute(command string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}

	switch strings.ToUpper(fields[0]) {
	case "WHO":
		return fmt.Sprintf("1 %s From %s", c.account, c.user), nil
	case "DATE":
		return "memdb", nil
	case "COUNT":
		if len(fields) < 2 {
			return "", errors.New("COUNT requires a file name")
		}
		ids, err := c.selectIDs(fileArg(fields[1:]), nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d record(s) counted.", len(ids)), nil
	case "LIST", "SORT":
		return c.list(fields)
	case "CATALOG":
		return c.catalog(fields[1:])
	default:
		return "", fmt.Errorf("verb %q is not in your VOC", strings.ToUpper(fields[0]))
	}
}

// fileArg returns the file named at the start of args, honouring a
// leading DICT.
func fileArg(args []string) string {
	if len(args) > 1 && strings.EqualFold(args[0], "DICT") {
		return connection.FileName(args[1], true)
	}
	return args[0]
}

// list prints one line per record: the id followed by its attributes
// joined with spaces, then a count line.
func (c *Conn) list(fields []string) (string, error) {
	if len(fields) < 2 {
		return "", fmt.Errorf("%s requires a file name", strings.ToUpper(fields[0]))
	}
	name := fileArg(fields[1:])
	ids, err := c.selectIDs(name, nil)
	if err != nil {
		return "", err
	}
	for i := 2; i+1 < len(fields); i++ {
		if strings.EqualFold(fields[i], "SAMPLE") {
			if n, err := strconv.Atoi(fields[i+1]); err == nil && n >= 0 && n < len(ids) {
				ids = ids[:n]
			}
		}
	}

	var b strings.Builder
	for _, id := range ids {
		raw, _, _ := c.read(physical(name), id)
		b.WriteString(id)
		for _, attr := range strings.Split(raw, dynarray.AttributeMark) {
			b.WriteString(" ")
			b.WriteString(strings.NewReplacer(dynarray.ValueMark, "]", dynarray.SubvalueMark, "\\").Replace(attr))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%d record(s) listed.\n", len(ids))
	return b.String(), nil
}

func (c *Conn) catalog(args []string) (string, error) {
	c.db.mu.RLock()
	names := make([]string, 0, len(c.db.subroutines))
	for n := range c.db.subroutines {
		names = append(names, n)
	}
	c.db.mu.RUnlock()
	sort.Strings(names)

	glob := "*"
	if len(args) > 0 {
		glob = strings.ReplaceAll(strings.Trim(strings.Join(args, " "), `"`), "...", "*")
	}

	var b strings.Builder
	b.WriteString("Catalog Name        Type\n")
	b.WriteString("==================  ======\n")
	for _, n := range names {
		if ok, _ := path.Match(glob, n); ok {
			fmt.Fprintf(&b, "%-18s  %s\n", n, "BASIC")
		}
	}
	return b.String(), nil
}

var selectPattern = regexp.MustCompile(`(?i)^\s*(S|Q)?SELECT\s+((?:DICT\s+)?\S+)(?:\s+WITH\s+F(\d+)\s+(=|LIKE)\s+"([^"]*)")?\s*$`)

type withClause struct {
	field int
	like  bool
	value string
}

func (w *withClause) match(raw string) bool {
	attrs := strings.Split(raw, dynarray.AttributeMark)
	if w.field < 1 || w.field > len(attrs) {
		return w.value == "" && !w.like
	}
	for _, v := range strings.Split(attrs[w.field-1], dynarray.ValueMark) {
		if !w.like && v == w.value {
			return true
		}
		if w.like {
			if ok, _ := path.Match(strings.ReplaceAll(w.value, "...", "*"), v); ok {
				return true
			}
		}
	}
	return false
}

// Select supports SELECT, SSELECT and QSELECT over a file or its DICT with an optional single
// WITH Fn = "v" or WITH Fn LIKE "pat..." clause. Ids come back sorted.
func (c *Conn) Select(query string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	m := selectPattern.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	var w *withClause
	if m[3] != "" {
		n, _ := strconv.Atoi(m[3])
		w = &withClause{field: n, like: strings.EqualFold(m[4], "LIKE"), value: m[5]}
	}
	return c.selectIDs(m[2], w)
}

func (c *Conn) selectIDs(name string, w *withClause) ([]string, error) {
	file := physical(name)
	c.db.mu.RLock()
	data, ok := c.db.files[file]
	if !ok {
		c.db.mu.RUnlock()
		return nil, fmt.Errorf("%s: %w", name, connection.ErrFileNotFound)
	}
	set := make(map[string]string, len(data))
	for id, raw := range data {
		set[id] = raw
	}
	c.db.mu.RUnlock()

	for id, raw := range c.pending[file] {
		if raw == nil {
			delete(set, id)
		} else {
			set[id] = *raw
		}
	}

	ids := make([]string, 0, len(set))
	for id, raw := range set {
		if w == nil || w.match(raw) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// OpenFile returns a handle on an existing file or its dictionary.
func (c *Conn) OpenFile(name string, dict bool) (connection.File, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	display := connection.FileName(name, dict)
	key := physical(display)
	c.db.mu.RLock()
	_, ok := c.db.files[key]
	c.db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", display, connection.ErrFileNotFound)
	}
	return &file{conn: c, name: display, key: key}, nil
}

// CallSubroutine runs a cataloged subroutine.
func (c *Conn) CallSubroutine(name string, args []string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.db.mu.RLock()
	fn, ok := c.db.subroutines[name]
	c.db.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("subroutine %s is not cataloged", name)
	}

	in := append([]string(nil), args...)
	out, err := fn(in)
	if err != nil {
		return nil, err
	}
	if len(out) != len(args) {
		return nil, fmt.Errorf("subroutine %s returned %d arguments, expected %d", name, len(out), len(args))
	}
	return out, nil
}

func (c *Conn) Begin() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.inTx {
		return errors.New("transaction already active")
	}
	c.inTx = true
	c.pending = make(map[string]map[string]*string)
	return nil
}

func (c *Conn) Commit() error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.inTx {
		return errors.New("no active transaction")
	}
	c.db.mu.Lock()
	for fname, writes := range c.pending {
		for id, raw := range writes {
			if raw == nil {
				delete(c.db.files[fname], id)
			} else {
				c.db.files[fname][id] = *raw
			}
		}
	}
	c.db.mu.Unlock()
	c.inTx = false
	c.pending = nil
	return nil
}

func (c *Conn) Rollback() error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.inTx {
		return errors.New("no active transaction")
	}
	c.inTx = false
	c.pending = nil
	return nil
}

// Close discards any open transaction.
func (c *Conn) Close() error {
	c.closed = true
	c.inTx = false
	c.pending = nil
	return nil
}

func (c *Conn) read(fname, id string) (string, bool, error) {
	if raw, ok := c.pending[fname][id]; ok {
		if raw == nil {
			return "", false, nil
		}
		return *raw, true, nil
	}
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	data, ok := c.db.files[fname]
	if !ok {
		return "", false, fmt.Errorf("%s: %w", fname, connection.ErrFileNotFound)
	}
	raw, ok := data[id]
	return raw, ok, nil
}

func (c *Conn) write(fname, id string, raw *string) {
	if c.inTx {
		if c.pending[fname] == nil {
			c.pending[fname] = make(map[string]*string)
		}
		c.pending[fname][id] = raw
		return
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if raw == nil {
		delete(c.db.files[fname], id)
	} else {
		c.db.files[fname][id] = *raw
	}
}

type file struct {
	conn *Conn
	name string
	// key is the storage name, D_name for a dictionary.
	key    string
	closed bool
}

func (f *file) Name() string { return f.name }

func (f *file) usable() error {
	if err := f.conn.check(); err != nil {
		return err
	}
	if f.closed {
		return fmt.Errorf("file %s is closed", f.name)
	}
	return nil
}

func (f *file) Read(id string) (string, error) {
	if err := f.usable(); err != nil {
		return "", err
	}
	raw, ok, err := f.conn.read(f.key, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s %s: %w", f.name, id, connection.ErrRecordNotFound)
	}
	return raw, nil
}

func (f *file) Write(id, record string) error {
	if err := f.usable(); err != nil {
		return err
	}
	if strings.Contains(record, dynarray.ItemMark) {
		return fmt.Errorf("record %s contains an item mark", id)
	}
	f.conn.write(f.key, id, &record)
	return nil
}

func (f *file) Delete(id string) error {
	if err := f.usable(); err != nil {
		return err
	}
	if _, ok, err := f.conn.read(f.key, id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s %s: %w", f.name, id, connection.ErrRecordNotFound)
	}
	f.conn.write(f.key, id, nil)
	return nil
}

func (f *file) Close() error {
	f.closed = true
	return nil
}
