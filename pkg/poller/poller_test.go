package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/sshlink/internal/sshtest"
	"github.com/openfroyo/sshlink/pkg/stores"
	"github.com/openfroyo/sshlink/pkg/telemetry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

func newTestSource(t *testing.T, server *sshtest.Server) Source {
	t.Helper()
	s, err := ssh.NewSession(server.Config())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Disconnect(time.Second) })
	return SessionSource(s)
}

func newTestJournal(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "journal.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

// recorder is a Handler that remembers the files it was given.
type recorder struct {
	mu    sync.Mutex
	files map[string]string
	calls int
	fail  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{files: make(map[string]string), fail: make(map[string]bool)}
}

func (r *recorder) handle(_ context.Context, file *ssh.FileStat, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail[file.Name] {
		return errors.New("rejected")
	}
	r.files[file.Name] = string(data)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func names(files []*ssh.FileStat) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing name", func(c *Config) { c.Name = "" }, "Name"},
		{"missing dir", func(c *Config) { c.Dir = "" }, "Dir"},
		{"bad sort", func(c *Config) { c.Sort = "random" }, "Sort"},
		{"bad action", func(c *Config) { c.Action = "archive" }, "Action"},
		{"move without target", func(c *Config) { c.Action = ActionMove }, "MoveTo"},
		{"move with target", func(c *Config) { c.Action = ActionMove; c.MoveTo = "/done" }, ""},
		{"negative max files", func(c *Config) { c.MaxFiles = -1 }, "MaxFiles"},
		{"bad mask", func(c *Config) { c.Mask = "[" }, "invalid mask"},
		{"bad regex", func(c *Config) { c.Regex = "(" }, "invalid regex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Name: "inbox", Dir: "/out"}
			tt.mutate(&cfg)
			cfg.setDefaults()
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	data := `jobs:
  - name: inbox
    profile: partner
    dir: /outgoing
    mask: "*.csv"
    min_age: 2m
    sort: mtime
    action: move
    move_to: /outgoing/done
    local_dir: /var/spool/inbox
    interval: 30s
  - name: reports
    dir: /reports
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := LoadJobs(path)
	if err != nil {
		t.Fatalf("LoadJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("LoadJobs() returned %d jobs, want 2", len(jobs))
	}

	inbox := jobs[0]
	if inbox.Profile != "partner" || inbox.MinAge != 2*time.Minute || inbox.Interval != 30*time.Second {
		t.Errorf("inbox = %+v", inbox)
	}
	if inbox.Action != ActionMove || inbox.MoveTo != "/outgoing/done" || inbox.Sort != SortMtime {
		t.Errorf("inbox = %+v", inbox)
	}

	reports := jobs[1]
	if reports.Action != ActionNone || reports.Sort != SortNone {
		t.Errorf("reports defaults = %q, %q", reports.Action, reports.Sort)
	}
	if reports.Interval != time.Minute || reports.ErrorDelay != 30*time.Second || reports.Timeout != time.Minute {
		t.Errorf("reports timing defaults = %v, %v, %v", reports.Interval, reports.ErrorDelay, reports.Timeout)
	}
	if reports.MaxErrorDelay != 5*time.Minute {
		t.Errorf("MaxErrorDelay = %v, want 5m", reports.MaxErrorDelay)
	}
}

func TestLoadJobsErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"duplicate", "jobs:\n  - name: a\n    dir: /x\n  - name: a\n    dir: /y\n", "duplicate job"},
		{"unknown field", "jobs:\n  - name: a\n    dir: /x\n    colour: red\n", "colour"},
		{"invalid", "jobs:\n  - name: a\n", "Dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobs.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadJobs(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadJobs() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadJobs(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadJobs() of a missing file should fail")
	}
}

func TestNewRequiresSink(t *testing.T) {
	source := func(time.Duration) (Remote, error) { return nil, errors.New("unused") }

	if _, err := New(Config{Name: "inbox", Dir: "/out"}, source); err == nil {
		t.Error("New() without local dir or handler should fail")
	}
	if _, err := New(Config{Name: "inbox", Dir: "/out"}, nil, WithHandler(newRecorder().handle)); err == nil {
		t.Error("New() without a source should fail")
	}

	local := filepath.Join(t.TempDir(), "spool", "inbox")
	p, err := New(Config{Name: "inbox", Dir: "/out", LocalDir: local}, source)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := os.Stat(local); err != nil {
		t.Errorf("local dir not created: %v", err)
	}
	if p.Config().Interval != time.Minute {
		t.Errorf("Config() should carry defaults, got interval %v", p.Config().Interval)
	}
}

func TestScanFiltersAndSorts(t *testing.T) {
	server := sshtest.NewServer(t)
	now := time.Now().Truncate(time.Second)

	server.WriteFile(t, "out/a.csv", []byte("aaa"), now.Add(-3*time.Hour))
	server.WriteFile(t, "out/b.csv", []byte("b"), now.Add(-2*time.Hour))
	server.WriteFile(t, "out/c.csv", []byte("cc"), now.Add(-4*time.Hour))
	server.WriteFile(t, "out/young.csv", []byte("y"), now)
	server.WriteFile(t, "out/notes.txt", []byte("n"), now.Add(-5*time.Hour))
	server.WriteFile(t, "out/sub.csv/inner", []byte("i"), now.Add(-5*time.Hour))

	source := newTestSource(t, server)
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   []string
	}{
		{"by name", func(c *Config) { c.Sort = SortName }, []string{"a.csv", "b.csv", "c.csv"}},
		{"by size", func(c *Config) { c.Sort = SortSize }, []string{"b.csv", "c.csv", "a.csv"}},
		{"by mtime", func(c *Config) { c.Sort = SortMtime }, []string{"c.csv", "a.csv", "b.csv"}},
		{"by mtime descending", func(c *Config) { c.Sort = SortMtime; c.Descending = true }, []string{"b.csv", "a.csv", "c.csv"}},
		{"max files", func(c *Config) { c.Sort = SortName; c.MaxFiles = 2 }, []string{"a.csv", "b.csv"}},
		{"regex", func(c *Config) { c.Sort = SortName; c.Regex = `^[ab]\.` }, []string{"a.csv", "b.csv"}},
		{"no min age", func(c *Config) { c.Sort = SortName; c.MinAge = 0 }, []string{"a.csv", "b.csv", "c.csv", "young.csv"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Name: "inbox", Dir: "out", Mask: "*.csv", MinAge: time.Hour}
			tt.mutate(&cfg)
			p, err := New(cfg, source, WithHandler(newRecorder().handle), WithClock(func() time.Time { return now }))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			files, err := p.Scan(5 * time.Second)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if got := names(files); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan() = %v, want %v", got, tt.want)
			}
		})
	}
}

// listedRemote serves a fixed listing and records what the poller fetches.
type listedRemote struct {
	entries   []*ssh.FileStat
	retrieved []string
}

func (r *listedRemote) ListFull(string, time.Duration) ([]*ssh.FileStat, error) {
	return r.entries, nil
}

func (r *listedRemote) GetFile(p string, _ time.Duration) ([]byte, error) {
	r.retrieved = append(r.retrieved, p)
	return []byte("data"), nil
}

func (r *listedRemote) RetrieveFile(remotePath, localPath string, _ time.Duration) (*ssh.FileTransferResult, error) {
	r.retrieved = append(r.retrieved, remotePath)
	if err := os.WriteFile(localPath, []byte("data"), 0o644); err != nil {
		return nil, err
	}
	return &ssh.FileTransferResult{BytesTransferred: 4}, nil
}

func (r *listedRemote) Remove(string, time.Duration) error { return nil }

func (r *listedRemote) Rename(string, string, time.Duration) error { return nil }

func TestPollSkipsUnsafeNames(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	entry := func(name string) *ssh.FileStat {
		return &ssh.FileStat{Path: "/out/" + name, Name: name, Size: 4, Mtime: old, Type: ssh.FileTypeRegular}
	}
	remote := &listedRemote{entries: []*ssh.FileStat{
		entry("ok.csv"),
		entry("../escape.csv"),
		entry(".."),
		entry("dir/nested.csv"),
		entry(`..\win.csv`),
		entry(""),
	}}
	source := func(time.Duration) (Remote, error) { return remote, nil }

	root := t.TempDir()
	localDir := filepath.Join(root, "local")
	p, err := New(Config{Name: "inbox", Dir: "/out", LocalDir: localDir}, source)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Poll() processed %d files, want 1", n)
	}
	if want := []string{"/out/ok.csv"}; !reflect.DeepEqual(remote.retrieved, want) {
		t.Errorf("retrieved %v, want %v", remote.retrieved, want)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.csv")); !os.IsNotExist(err) {
		t.Errorf("expected nothing written outside the local dir, stat error = %v", err)
	}
}

func TestPollMove(t *testing.T) {
	server := sshtest.NewServer(t)
	old := time.Now().Add(-time.Hour)
	server.WriteFile(t, "out/a.csv", []byte("alpha"), old)
	server.WriteFile(t, "out/b.csv", []byte("beta"), old)
	if err := os.MkdirAll(server.Path("done"), 0o755); err != nil {
		t.Fatal(err)
	}

	local := t.TempDir()
	journal := newTestJournal(t)
	p, err := New(Config{
		Name:     "inbox",
		Dir:      "out",
		Action:   ActionMove,
		MoveTo:   "done",
		LocalDir: local,
	}, newTestSource(t, server), WithJournal(journal))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	n, err := p.Poll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Poll() = %d, %v; want 2, nil", n, err)
	}

	for name, content := range map[string]string{"a.csv": "alpha", "b.csv": "beta"} {
		data, err := os.ReadFile(filepath.Join(local, name))
		if err != nil || string(data) != content {
			t.Errorf("local %s = %q, %v", name, data, err)
		}
		if _, err := os.Stat(server.Path("done/" + name)); err != nil {
			t.Errorf("%s not moved: %v", name, err)
		}
		if _, err := os.Stat(server.Path("out/" + name)); !os.IsNotExist(err) {
			t.Errorf("%s still in source dir: %v", name, err)
		}
	}

	entries, err := journal.List(ctx, "inbox", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal has %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Error != nil || e.Checksum == nil || e.LocalPath == nil || e.Action != ActionMove {
			t.Errorf("journal entry = %+v", e)
		}
	}

	if n, err := p.Poll(ctx); err != nil || n != 0 {
		t.Errorf("second Poll() = %d, %v; want 0, nil", n, err)
	}
}

func TestPollJournalSkipsSeen(t *testing.T) {
	server := sshtest.NewServer(t)
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	server.WriteFile(t, "out/a.csv", []byte("one"), old)
	server.WriteFile(t, "out/b.csv", []byte("two"), old)

	rec := newRecorder()
	p, err := New(Config{Name: "inbox", Dir: "out"}, newTestSource(t, server),
		WithHandler(rec.handle), WithJournal(newTestJournal(t)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if n, err := p.Poll(ctx); err != nil || n != 2 {
		t.Fatalf("Poll() = %d, %v; want 2, nil", n, err)
	}
	if rec.files["a.csv"] != "one" || rec.files["b.csv"] != "two" {
		t.Errorf("handler saw %v", rec.files)
	}

	if n, err := p.Poll(ctx); err != nil || n != 0 {
		t.Fatalf("repeat Poll() = %d, %v; want 0, nil", n, err)
	}
	if rec.count() != 2 {
		t.Errorf("handler called %d times, want 2", rec.count())
	}

	// a rewritten file is new again
	server.WriteFile(t, "out/a.csv", []byte("one, again"), old.Add(time.Minute))
	if n, err := p.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll() after change = %d, %v; want 1, nil", n, err)
	}
	if rec.files["a.csv"] != "one, again" {
		t.Errorf("handler saw %q", rec.files["a.csv"])
	}
}

func TestPollHandlerFailureKeepsFile(t *testing.T) {
	server := sshtest.NewServer(t)
	old := time.Now().Add(-time.Hour)
	server.WriteFile(t, "out/a.csv", []byte("bad"), old)
	server.WriteFile(t, "out/b.csv", []byte("good"), old)

	rec := newRecorder()
	rec.fail["a.csv"] = true
	journal := newTestJournal(t)
	p, err := New(Config{Name: "inbox", Dir: "out", Action: ActionDelete, Sort: SortName},
		newTestSource(t, server), WithHandler(rec.handle), WithJournal(journal))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if n, err := p.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(server.Path("out/a.csv")); err != nil {
		t.Errorf("rejected file was removed: %v", err)
	}
	if _, err := os.Stat(server.Path("out/b.csv")); !os.IsNotExist(err) {
		t.Errorf("handled file was kept: %v", err)
	}

	entries, err := journal.List(ctx, "inbox", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	failed := 0
	for _, e := range entries {
		if e.Error != nil {
			failed++
			if !strings.Contains(*e.Error, "rejected") {
				t.Errorf("journal error = %q", *e.Error)
			}
		}
	}
	if failed != 1 {
		t.Errorf("journal has %d failed entries, want 1", failed)
	}

	// failed files are retried on the next cycle
	rec.mu.Lock()
	rec.fail["a.csv"] = false
	rec.mu.Unlock()
	if n, err := p.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("retry Poll() = %d, %v; want 1, nil", n, err)
	}
	if _, err := os.Stat(server.Path("out/a.csv")); !os.IsNotExist(err) {
		t.Errorf("retried file was kept: %v", err)
	}
}

func TestPollSourceError(t *testing.T) {
	boom := errors.New("no route")
	p, err := New(Config{Name: "inbox", Dir: "out"},
		func(time.Duration) (Remote, error) { return nil, boom },
		WithHandler(newRecorder().handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Poll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want %v", err, boom)
	}
}

func TestPollMissingDir(t *testing.T) {
	server := sshtest.NewServer(t)
	p, err := New(Config{Name: "inbox", Dir: "nowhere"}, newTestSource(t, server),
		WithHandler(newRecorder().handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Poll(context.Background()); !ssh.IsNotExist(err) {
		t.Errorf("Poll() error = %v, want a not-exist error", err)
	}
}

func TestPollTelemetry(t *testing.T) {
	server := sshtest.NewServer(t)
	server.WriteFile(t, "out/a.csv", []byte("alpha"), time.Now().Add(-time.Hour))

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	var mu sync.Mutex
	var types []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, telemetry.FilterByType(telemetry.EventTypeFileProcessed, telemetry.EventTypePollCompleted))

	p, err := New(Config{Name: "inbox", Dir: "out"}, newTestSource(t, server),
		WithHandler(newRecorder().handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if n, err := p.Poll(tel.WithContext(context.Background())); err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v; want 1, nil", n, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{telemetry.EventTypeFileProcessed, telemetry.EventTypePollCompleted}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestPollLogsThroughTelemetry(t *testing.T) {
	server := sshtest.NewServer(t)
	server.WriteFile(t, "out/a.csv", []byte("alpha"), time.Now().Add(-time.Hour))

	logPath := filepath.Join(t.TempDir(), "poll.log")
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = logPath
	cfg.Metrics.Enabled = false
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	p, err := New(Config{Name: "inbox", Dir: "out"}, newTestSource(t, server),
		WithHandler(newRecorder().handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Poll(tel.WithContext(context.Background())); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{`"poller":"inbox"`, `"dir":"out"`, `"message":"file processed"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log %q missing %s", data, want)
		}
	}
}

func TestRunUntilCancelled(t *testing.T) {
	server := sshtest.NewServer(t)
	server.WriteFile(t, "out/a.csv", []byte("alpha"), time.Now().Add(-time.Hour))

	rec := newRecorder()
	p, err := New(Config{
		Name:     "inbox",
		Dir:      "out",
		MinAge:   30 * time.Minute,
		Action:   ActionDelete,
		Interval: 20 * time.Millisecond,
	}, newTestSource(t, server), WithHandler(rec.handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// a file written later is picked up by a later cycle
	server.WriteFile(t, "out/b.csv", []byte("beta"), time.Now().Add(-time.Hour))
	for rec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if rec.count() != 2 {
		t.Errorf("handler called %d times, want 2", rec.count())
	}
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	source := func(time.Duration) (Remote, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, errors.New("down")
	}

	p, err := New(Config{
		Name:          "inbox",
		Dir:           "out",
		Interval:      time.Millisecond,
		ErrorDelay:    50 * time.Millisecond,
		MaxErrorDelay: 50 * time.Millisecond,
	}, source, WithHandler(newRecorder().handle))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// with a 1ms interval and no backoff there would be hundreds of attempts
	if len(attempts) < 2 || len(attempts) > 20 {
		t.Errorf("got %d attempts in 300ms with a 50ms error delay", len(attempts))
	}
}
