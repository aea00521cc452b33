package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "switchboard.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCloseReleasesPool(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "switchboard.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Get(context.Background(), "cli:local"); err == nil {
		t.Error("query on a closed store succeeded")
	}
}

func TestCreateIsEnsureExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, Session{SessionKey: "telegram:123", Kind: KindMain})
	if err != nil || !created {
		t.Fatalf("first create = %v, %v", created, err)
	}

	if _, err := s.AddMessage(ctx, SessionMessage{SessionKey: "telegram:123", Role: "user", Content: "hello"}); err != nil {
		t.Fatal(err)
	}

	// Re-creating a session with messages must not wipe the transcript.
	created, err = s.Create(ctx, Session{SessionKey: "telegram:123", Kind: KindMain})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second create reported creation")
	}
	msgs, err := s.GetMessages(ctx, "telegram:123", GetMessagesOptions{})
	if err != nil || len(msgs) != 1 {
		t.Errorf("messages after re-create = %d, %v", len(msgs), err)
	}
}

func TestConcurrentCreateConverges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.Create(ctx, Session{SessionKey: "cli:local"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			wins <- created
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	if n != 1 {
		t.Errorf("creations = %d, want exactly 1", n)
	}
}

func TestAddMessageOrderAndTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Create(ctx, Session{SessionKey: "k:1"})
	before, _ := s.Get(ctx, "k:1")

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.AddMessage(ctx, SessionMessage{SessionKey: "k:1", Role: "user", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessages(ctx, "k:1", GetMessagesOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
		if msgs[i].ID == "" || msgs[i].Timestamp.IsZero() {
			t.Errorf("msgs[%d] missing assigned id/timestamp", i)
		}
	}

	after, _ := s.Get(ctx, "k:1")
	if !after.UpdatedAt.After(before.UpdatedAt) && !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt not refreshed by AddMessage")
	}
}

func TestAddMessageToMissingSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddMessage(context.Background(), SessionMessage{SessionKey: "ghost:1", Role: "user", Content: "x"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteRemovesSessionAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Create(ctx, Session{SessionKey: "k:2"})
	s.AddMessage(ctx, SessionMessage{SessionKey: "k:2", Role: "user", Content: "x"})

	removed, err := s.Delete(ctx, "k:2")
	if err != nil || !removed {
		t.Fatalf("delete = %v, %v", removed, err)
	}
	if _, err := s.Get(ctx, "k:2"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get after delete = %v", err)
	}
	msgs, err := s.GetMessages(ctx, "k:2", GetMessagesOptions{})
	if err != nil || len(msgs) != 0 {
		t.Errorf("messages after delete = %d, %v", len(msgs), err)
	}

	removed, err = s.Delete(ctx, "k:2")
	if err != nil || removed {
		t.Errorf("second delete = %v, %v, want false", removed, err)
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Create(ctx, Session{SessionKey: "k:3", Metadata: map[string]any{"a": "1", "b": "2"}})

	label := "renamed"
	if err := s.Update(ctx, "k:3", SessionPatch{Label: &label, Metadata: map[string]any{"b": "9", "c": "3"}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "k:3")
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "renamed" {
		t.Errorf("label = %q", got.Label)
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "9" || got.Metadata["c"] != "3" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if err := s.Update(ctx, "missing", SessionPatch{Label: &label}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("update missing = %v", err)
	}
}

func TestListNewestFirstWithKindFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Create(ctx, Session{SessionKey: "old:1", Kind: KindMain, UpdatedAt: time.Now().Add(-time.Hour)})
	s.Create(ctx, Session{SessionKey: "cron:hb:1", Kind: KindCron, UpdatedAt: time.Now().Add(-time.Minute)})
	s.Create(ctx, Session{SessionKey: "new:1", Kind: KindMain, UpdatedAt: time.Now()})

	all, err := s.List(ctx, ListOptions{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list = %d, %v", len(all), err)
	}
	if all[0].SessionKey != "new:1" || all[2].SessionKey != "old:1" {
		t.Errorf("order = %s, %s, %s", all[0].SessionKey, all[1].SessionKey, all[2].SessionKey)
	}

	crons, err := s.List(ctx, ListOptions{Kind: KindCron})
	if err != nil || len(crons) != 1 || crons[0].SessionKey != "cron:hb:1" {
		t.Errorf("cron filter = %v, %v", crons, err)
	}

	limited, _ := s.List(ctx, ListOptions{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d", len(limited))
	}
}

func TestGetMessagesMissingSessionIsEmpty(t *testing.T) {
	s := openTestStore(t)
	msgs, err := s.GetMessages(context.Background(), "nobody:1", GetMessagesOptions{})
	if err != nil || len(msgs) != 0 {
		t.Errorf("= %v, %v", msgs, err)
	}
}

func TestCronTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := []CronTask{
		{ID: "hb", Name: "hb", Schedule: "* * * * *", Task: "poll", Enabled: true, Notify: []string{"telegram:123"}},
		{ID: "daily", Name: "daily", Schedule: "0 9 * * *", Task: "summarize", Enabled: false, BuiltIn: true},
	}
	if err := s.SaveTasks(ctx, tasks); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	byID := map[string]CronTask{got[0].ID: got[0], got[1].ID: got[1]}
	if hb := byID["hb"]; !hb.Enabled || len(hb.Notify) != 1 || hb.Notify[0] != "telegram:123" {
		t.Errorf("hb = %+v", hb)
	}
	if d := byID["daily"]; d.Enabled || !d.BuiltIn {
		t.Errorf("daily = %+v", d)
	}

	// Save replaces the whole set.
	if err := s.SaveTasks(ctx, tasks[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadTasks(ctx)
	if len(got) != 1 || got[0].ID != "hb" {
		t.Errorf("after replace = %v", got)
	}
}
