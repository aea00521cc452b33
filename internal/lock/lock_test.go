package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, Options{})

	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	rec, err := l.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("pid = %d", rec.PID)
	}

	l.Release()
	if _, err := os.Stat(filepath.Join(dir, "switchboard.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file survived release")
	}
	l.Release() // idempotent
}

// Two contenders with live pids on the same directory: exactly one wins.
func TestConcurrentAcquireSingleWinner(t *testing.T) {
	dir := t.TempDir()

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	locks := make([]*Lock, contenders)
	for i := 0; i < contenders; i++ {
		locks[i] = New(dir, Options{
			Host:     "shared-host",
			PID:      1000 + i,
			pidAlive: func(int) bool { return true },
		})
	}

	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = locks[i].Acquire()
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			defer locks[i].Release()
		} else if !errors.Is(err, ErrHeld) {
			t.Errorf("contender %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestRefusesFreshForeignHost(t *testing.T) {
	dir := t.TempDir()

	holder := New(dir, Options{Host: "other-box", PID: 42})
	if err := holder.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	l := New(dir, Options{Host: "this-box", PID: 43})
	if err := l.Acquire(); !errors.Is(err, ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld", err)
	}
}

func TestTakesOverStaleForeignHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.lock")

	stale := Record{
		Host:      "dead-box",
		PID:       42,
		StartedAt: time.Now().Add(-time.Hour),
		Heartbeat: time.Now().Add(-time.Hour),
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(dir, Options{Host: "this-box", PID: 43})
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	rec, _ := l.Holder()
	if rec.Host != "this-box" {
		t.Errorf("holder = %+v", rec)
	}
}

func TestTakesOverDeadPidSameHost(t *testing.T) {
	dir := t.TempDir()

	holder := New(dir, Options{Host: "box", PID: 42, pidAlive: func(int) bool { return false }})
	if err := holder.Acquire(); err != nil {
		t.Fatal(err)
	}
	holder.mu.Lock()
	holder.held = false // simulate crash: no Release, record stays
	close(holder.stopCh)
	<-holder.stopDone
	holder.mu.Unlock()

	l := New(dir, Options{Host: "box", PID: 43, pidAlive: func(int) bool { return false }})
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()
}

func TestRefusesLivePidSameHost(t *testing.T) {
	dir := t.TempDir()

	holder := New(dir, Options{Host: "box", PID: 42, pidAlive: func(int) bool { return true }})
	if err := holder.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	l := New(dir, Options{Host: "box", PID: 43, pidAlive: func(int) bool { return true }})
	if err := l.Acquire(); !errors.Is(err, ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld", err)
	}
}

func TestHeartbeatRefresh(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, Options{RefreshInterval: 20 * time.Millisecond})
	if err := l.Acquire(); err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	first, _ := l.Holder()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := l.Holder()
		if err == nil && rec.Heartbeat.After(first.Heartbeat) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never refreshed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
