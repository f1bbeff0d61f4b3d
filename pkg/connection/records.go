package connection

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// ListFilesQuery selects the VOC entries that describe files.
const ListFilesQuery = `SELECT VOC WITH F1 LIKE "F..."`

// FileInfo describes an open file handle.
type FileInfo struct {
	Name   string `json:"name"`
	Cached bool   `json:"cached"`
}

// OpenFile opens name and caches the handle for the life of the session.
// "DICT name" opens the file's dictionary.
func (m *Manager) OpenFile(ctx context.Context, name string) (info FileInfo, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.open_file", spanAttrs("open_file", attribute.String("u2.file", name))...)
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "open_file"); err != nil {
		return FileInfo{}, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "open_file")
	if err != nil {
		return FileInfo{}, err
	}
	base, dict := ParseFileName(name)
	key := FileName(base, dict)
	_, cached := s.files[key]
	if _, err := m.openFileLocked(ctx, s, name); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: key, Cached: cached}, nil
}

// openFileLocked requires sem. Handles are cached under the canonical
// name, so "CUST" and "DICT CUST" are distinct entries.
func (m *Manager) openFileLocked(ctx context.Context, s *Session, name string) (File, error) {
	base, dict := ParseFileName(name)
	key := FileName(base, dict)
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	f, err := do(ctx, m, s, "open_file", 0, func(d Driver) (File, error) {
		return d.OpenFile(base, dict)
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	s.files[key] = f
	m.mu.Unlock()
	return f, nil
}

// ListFiles returns the names of the files in the account's VOC, sorted.
func (m *Manager) ListFiles(ctx context.Context) (names []string, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.list_files", spanAttrs("list_files")...)
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "list_files"); err != nil {
		return nil, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "list_files")
	if err != nil {
		return nil, err
	}
	names, err = do(ctx, m, s, "list_files", 0, func(d Driver) ([]string, error) {
		return d.Select(ListFilesQuery)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// ReadRecord reads id from file and decodes it.
func (m *Manager) ReadRecord(ctx context.Context, file, id string) (rec dynarray.Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.read_record", spanAttrs("read_record", attribute.String("u2.file", file))...)
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "read_record"); err != nil {
		return nil, err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "read_record")
	if err != nil {
		return nil, err
	}
	f, err := m.openFileLocked(ctx, s, file)
	if err != nil {
		return nil, err
	}
	raw, err := do(ctx, m, s, "read_record", 0, func(Driver) (string, error) {
		return f.Read(id)
	})
	if err != nil {
		return nil, err
	}

	rec, err = dynarray.Decode(raw)
	if err != nil {
		return nil, newError(KindProtocol, "read_record", fmt.Sprintf("record %s in %s is malformed", id, file), err)
	}
	return rec, nil
}

// WriteRecord encodes rec and writes it as id in file. Refused in read-only
// mode and while a lost transaction is unacknowledged.
func (m *Manager) WriteRecord(ctx context.Context, file, id string, rec dynarray.Record) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.write_record", spanAttrs("write_record", attribute.String("u2.file", file))...)
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.guardRecord("write_record", security.OpWrite); err != nil {
		return err
	}
	text, err := dynarray.Encode(rec)
	if err != nil {
		return newError(KindProtocol, "write_record", "record cannot be encoded", err)
	}

	if err := m.acquire(ctx, "write_record"); err != nil {
		return err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "write_record")
	if err != nil {
		return err
	}
	if err := m.checkTxLost("write_record"); err != nil {
		return err
	}
	f, err := m.openFileLocked(ctx, s, file)
	if err != nil {
		return err
	}
	_, err = do(ctx, m, s, "write_record", 0, func(Driver) (struct{}, error) {
		return struct{}{}, f.Write(id, text)
	})
	return err
}

// DeleteRecord deletes id from file. Refused in read-only mode.
func (m *Manager) DeleteRecord(ctx context.Context, file, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.delete_record", spanAttrs("delete_record", attribute.String("u2.file", file))...)
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.guardRecord("delete_record", security.OpDelete); err != nil {
		return err
	}

	if err := m.acquire(ctx, "delete_record"); err != nil {
		return err
	}
	defer m.release()

	s, err := m.ensureLocked(ctx, "delete_record")
	if err != nil {
		return err
	}
	if err := m.checkTxLost("delete_record"); err != nil {
		return err
	}
	f, err := m.openFileLocked(ctx, s, file)
	if err != nil {
		return err
	}
	_, err = do(ctx, m, s, "delete_record", 0, func(Driver) (struct{}, error) {
		return struct{}{}, f.Delete(id)
	})
	return err
}
