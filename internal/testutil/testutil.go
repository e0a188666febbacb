package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lherron/crmsync/internal/bitrix"
	"github.com/lherron/crmsync/internal/db"
	"github.com/lherron/crmsync/internal/docstore"
)

// TempDB creates a temporary migrated SQLite database for testing
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database, dbPath
}

// TempStore creates a document store over a temporary database.
func TempStore(t *testing.T) (*docstore.Store, *db.DB) {
	t.Helper()
	database, _ := TempDB(t)
	return docstore.New(database, "test-actor"), database
}

// CountEvents returns the number of event_log rows, optionally for one label.
func CountEvents(t *testing.T, database *db.DB, label string) int {
	t.Helper()
	query, args := "SELECT COUNT(*) FROM event_log", []any{}
	if label != "" {
		query += " WHERE label = ?"
		args = append(args, label)
	}
	var n int
	if err := database.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	return n
}

// WriteFile writes content to a file in dir
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock stopped at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Handler answers one fake remote method. params is the JSON-decoded request.
type Handler func(params map[string]any) (*bitrix.Response, error)

// Call is one recorded remote call.
type Call struct {
	Method string
	Params map[string]any
}

// FakeRemote is an in-memory bitrix.Caller.
type FakeRemote struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

var _ bitrix.Caller = (*FakeRemote)(nil)

// NewFakeRemote creates a fake with no methods registered.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{handlers: make(map[string]Handler)}
}

// Handle registers h for method.
func (f *FakeRemote) Handle(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// HandleResult registers a method that always returns result.
func (f *FakeRemote) HandleResult(method string, result any) {
	f.Handle(method, func(map[string]any) (*bitrix.Response, error) {
		return Result(result, 0, nil), nil
	})
}

// Call implements bitrix.Caller. Unregistered methods fail.
func (f *FakeRemote) Call(ctx context.Context, method string, params any) (*bitrix.Response, error) {
	decoded := map[string]any{}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: decoded})
	h, ok := f.handlers[method]
	f.mu.Unlock()

	if !ok {
		return nil, &bitrix.RemoteError{Method: method, Status: 400, Code: "ERROR_METHOD_NOT_FOUND"}
	}
	return h(decoded)
}

// Calls returns the recorded calls of method, or all calls when method is "".
func (f *FakeRemote) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Result builds a response envelope around result.
func Result(result any, total int, next *int) *bitrix.Response {
	data, err := json.Marshal(result)
	if err != nil {
		panic(fmt.Sprintf("testutil: cannot encode result: %v", err))
	}
	return &bitrix.Response{Result: data, Total: total, Next: next}
}

// Int returns a pointer to n.
func Int(n int) *int {
	return &n
}

// Start returns the numeric "start" parameter of a list call.
func Start(params map[string]any) int {
	if n, ok := params["start"].(float64); ok {
		return int(n)
	}
	return 0
}

// Upload is one recorded upload.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Uploader records uploads and returns sequential blob references.
type Uploader struct {
	mu      sync.Mutex
	Uploads []Upload
	Err     error
}

// Upload implements the blob upload interface.
func (u *Uploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Err != nil {
		return "", u.Err
	}
	u.Uploads = append(u.Uploads, Upload{Name: name, ContentType: contentType, Data: data})
	return fmt.Sprintf("blob-%d", len(u.Uploads)), nil
}
