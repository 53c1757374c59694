package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T, max int) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(Config{
		File:         filepath.Join(t.TempDir(), "history.json"),
		MaxMessages:  max,
		SaveInterval: time.Second,
	}, logger)
}

func TestNew(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		s := New(Config{}, nil)
		if s.cfg.MaxMessages != 50 {
			t.Errorf("expected default max 50, got %d", s.cfg.MaxMessages)
		}
		if s.cfg.SaveInterval != 30*time.Second {
			t.Errorf("expected default interval 30s, got %v", s.cfg.SaveInterval)
		}
		if s.Path() == "" {
			t.Error("expected default file path")
		}
	})
}

func TestAppendTruncation(t *testing.T) {
	s := newTestStore(t, 5)

	for i := 0; i < 23; i++ {
		s.Append("c1", RoleUser, fmt.Sprintf("msg %d", i))
		if n := s.Len("c1"); n > 5 {
			t.Fatalf("after %d appends history has %d entries, max 5", i+1, n)
		}
	}

	turns := s.History("c1")
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	// Oldest evicted first: the survivors are the last five.
	for i, turn := range turns {
		want := fmt.Sprintf("msg %d", 18+i)
		if turn.Content != want {
			t.Errorf("turn %d: expected %q, got %q", i, want, turn.Content)
		}
	}
}

func TestAppendOrdering(t *testing.T) {
	s := newTestStore(t, 10)

	// Simulate a clock that steps backwards.
	clock := []int64{5000, 7000, 6000, 6500, 9000}
	i := 0
	s.now = func() time.Time {
		ts := clock[i]
		i++
		return time.UnixMilli(ts)
	}

	for range clock {
		s.Append("c1", RoleUser, "x")
	}

	entries := s.Snapshot()["c1"]
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp < entries[i-1].Timestamp {
			t.Errorf("timestamps not monotonic at %d: %d < %d",
				i, entries[i].Timestamp, entries[i-1].Timestamp)
		}
	}
}

func TestHistoryUnknownContact(t *testing.T) {
	s := newTestStore(t, 10)

	turns := s.History("nobody")
	if turns == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns, got %d", len(turns))
	}
}

func TestHistoryStripsTimestamps(t *testing.T) {
	s := newTestStore(t, 10)
	s.Append("c1", RoleUser, "hi")
	s.Append("c1", RoleAssistant, "hello")

	want := []Turn{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}
	if diff := cmp.Diff(want, s.History("c1")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, 10)
	s.now = func() time.Time { return time.UnixMilli(1000) }
	s.Append("c1", RoleUser, "hi")

	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded := New(s.cfg, nil)
	reloaded.Load()

	want := map[ContactID][]Entry{
		"c1": {{Role: "user", Content: "hi", Timestamp: 1000}},
	}
	if diff := cmp.Diff(want, reloaded.Snapshot()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistFileFormat(t *testing.T) {
	s := newTestStore(t, 10)
	s.now = func() time.Time { return time.UnixMilli(1000) }
	s.Append("c1", RoleUser, "hi")

	if err := s.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{
  "c1": [
    {
      "role": "user",
      "content": "hi",
      "timestamp": 1000
    }
  ]
}`
	if string(data) != want {
		t.Errorf("unexpected file content:\n%s", data)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields empty store", func(t *testing.T) {
		s := newTestStore(t, 10)
		s.Load()
		if st := s.Stats(); st.Contacts != 0 {
			t.Errorf("expected empty store, got %+v", st)
		}
	})

	t.Run("corrupt file yields empty store", func(t *testing.T) {
		s := newTestStore(t, 10)
		s.Append("c1", RoleUser, "stale")
		if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		s.Load()
		if st := s.Stats(); st.Contacts != 0 || st.Messages != 0 {
			t.Errorf("expected empty store after corrupt load, got %+v", st)
		}
	})

	t.Run("oversized history is trimmed", func(t *testing.T) {
		s := newTestStore(t, 2)
		content := `{"c1":[
			{"role":"user","content":"a","timestamp":1},
			{"role":"user","content":"b","timestamp":2},
			{"role":"user","content":"c","timestamp":3}]}`
		if err := os.WriteFile(s.Path(), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		s.Load()
		turns := s.History("c1")
		if len(turns) != 2 || turns[0].Content != "b" || turns[1].Content != "c" {
			t.Errorf("unexpected history after load: %+v", turns)
		}
	})
}

func TestPersistFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The parent "directory" is a regular file, so the write must fail.
	s := New(Config{File: filepath.Join(blocker, "history.json")}, nil)
	s.Append("c1", RoleUser, "hi")

	if err := s.Persist(); err == nil {
		t.Error("expected persist error")
	}
	if s.Len("c1") != 1 {
		t.Error("in-memory history must survive a failed write")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 10)
	s.Append("c1", RoleUser, "hi")
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if st := s.Stats(); st.Contacts != 0 {
		t.Errorf("expected empty store, got %+v", st)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("expected history file removed, stat err = %v", err)
	}

	t.Run("clear without file", func(t *testing.T) {
		if err := s.Clear(); err != nil {
			t.Errorf("second clear: %v", err)
		}
	})
}

func TestPersistWaitingOnClearWritesClearedHistory(t *testing.T) {
	s := newTestStore(t, 10)
	s.Append("c1", RoleUser, "hello")
	s.Append("c1", RoleAssistant, "hi")

	// Hold the file lock as a running Clear would, queue a Persist behind
	// it, then clear.
	s.fileMu.Lock()
	done := make(chan error, 1)
	go func() { done <- s.Persist() }()
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.entries = make(map[ContactID][]Entry)
	s.mu.Unlock()
	s.fileMu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("persist: %v", err)
	}

	reloaded := New(s.cfg, nil)
	reloaded.Load()
	if st := reloaded.Stats(); st.Messages != 0 {
		t.Errorf("cleared history came back after persist: %+v", st)
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := newTestStore(t, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			contact := ContactID(fmt.Sprintf("c%d", g%2))
			for i := 0; i < 50; i++ {
				s.Append(contact, RoleUser, "x")
			}
		}(g)
	}
	wg.Wait()

	st := s.Stats()
	if st.Contacts != 2 || st.Messages != 400 {
		t.Errorf("expected 2 contacts / 400 messages, got %+v", st)
	}
}

func TestAutoSave(t *testing.T) {
	s := newTestStore(t, 10)
	s.Append("c1", RoleUser, "hi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.StartAutoSave(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StartAutoSave(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !s.AutoSaveRunning() {
		t.Fatal("expected autosave running")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(s.Path()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("autosave never wrote the history file")
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.StopAutoSave()
	if s.AutoSaveRunning() {
		t.Error("expected autosave stopped")
	}
	s.StopAutoSave()
}

func TestAutoSaveStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.StartAutoSave(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.AutoSaveRunning() {
		if time.Now().After(deadline) {
			t.Fatal("autosave still running after context cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
