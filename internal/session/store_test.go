package session

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestStore_LoadMissingReturnsFresh(t *testing.T) {
	st := newTestStore(t)

	s, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ID != "C1:U1" {
		t.Errorf("ID = %q, want C1:U1", s.ID)
	}
	if s.Mode != ModeSingle {
		t.Errorf("Mode = %q, want single", s.Mode)
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)

	s := New("C1", "U1")
	s.Mode = ModePlan
	s.AppendHistory(Turn{Role: "user", Content: "hello"}, Turn{Role: "assistant", Content: "hi"})
	s.LastRunStatus = StatusOK
	s.LastReviewRound = 2
	s.LastReviewResult = ReviewApproved
	s.ProfileName = "bridge"
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Mode != ModePlan {
		t.Errorf("Mode = %q, want plan", got.Mode)
	}
	if len(got.History) != 2 || got.History[1].Content != "hi" {
		t.Errorf("History = %v, want two turns ending in hi", got.History)
	}
	if got.LastReviewRound != 2 || got.LastReviewResult != ReviewApproved {
		t.Errorf("review state = (%d, %q), want (2, approved)", got.LastReviewRound, got.LastReviewResult)
	}
	if got.ProfileName != "bridge" {
		t.Errorf("ProfileName = %q, want bridge", got.ProfileName)
	}
}

func TestStore_LoadClearsPersistedRunFlag(t *testing.T) {
	st := newTestStore(t)

	s := New("C1", "U1")
	s.RunInProgress = true
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunInProgress {
		t.Error("RunInProgress survived a load; a persisted flag is stale by definition")
	}
}

func TestStore_LoadCorruptRecord(t *testing.T) {
	st := newTestStore(t)

	s := New("C1", "U1")
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(st.BaseDir(), "C1-U1.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	got, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LastError != LoadFailedMarker {
		t.Errorf("LastError = %q, want %q", got.LastError, LoadFailedMarker)
	}
	if got.Mode != ModeSingle || len(got.History) != 0 {
		t.Error("corrupt load should yield a fresh session")
	}
}

func TestStore_SaveLeavesNoTempFile(t *testing.T) {
	st := newTestStore(t)

	if err := st.Save(New("C1", "U1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(st.BaseDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStore_SaveRestrictsPermissions(t *testing.T) {
	st := newTestStore(t)

	if err := st.Save(New("C1", "U1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(filepath.Join(st.BaseDir(), "C1-U1.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}
}

func TestStore_ResetPreservesIdentity(t *testing.T) {
	st := newTestStore(t)

	s := New("C1", "U1")
	s.Mode = ModeMulti
	s.AppendHistory(Turn{Role: "user", Content: "old"})
	s.LastError = "boom"
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fresh, err := st.Reset("C1", "U1")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fresh.ID != "C1:U1" || fresh.ChannelID != "C1" || fresh.UserID != "U1" {
		t.Errorf("identity not preserved: %+v", fresh)
	}
	if fresh.Mode != ModeSingle || len(fresh.History) != 0 || fresh.LastError != "" {
		t.Errorf("state not cleared: %+v", fresh)
	}

	got, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.History) != 0 {
		t.Error("reset was not persisted")
	}
}

func TestStore_HistoryCap(t *testing.T) {
	st := newTestStore(t)

	s := New("C1", "U1")
	for i := 0; i < MaxHistoryTurns+5; i++ {
		s.AppendHistory(Turn{Role: "user", Content: "turn"})
	}
	if len(s.History) != MaxHistoryTurns {
		t.Fatalf("len(History) = %d, want %d", len(s.History), MaxHistoryTurns)
	}
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load("C1", "U1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.History) != MaxHistoryTurns {
		t.Errorf("len(History) after load = %d, want %d", len(got.History), MaxHistoryTurns)
	}
}

func TestStore_WithLockSerializesSameKey(t *testing.T) {
	st := newTestStore(t)

	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.WithLock("C1", "U1", func() error {
				mu.Lock()
				counter++
				current := counter
				mu.Unlock()
				if current != 1 {
					t.Error("two critical sections overlapped for the same key")
				}
				mu.Lock()
				counter--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestStore_SessionsListsRawRecords(t *testing.T) {
	st := newTestStore(t)

	a := New("C1", "U1")
	a.RunInProgress = true
	if err := st.Save(a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Save(New("C2", "U2")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	bad := filepath.Join(st.BaseDir(), "C3-U3.json")
	if err := os.WriteFile(bad, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	sessions, err := st.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2 (corrupt skipped)", len(sessions))
	}
	var sawStale bool
	for _, s := range sessions {
		if s.ID == "C1:U1" && s.RunInProgress {
			sawStale = true
		}
	}
	if !sawStale {
		t.Error("Sessions() should report the persisted run flag unmodified")
	}
}
