// Package lock guards a data directory against a second server instance,
// including over shared filesystems where pid checks alone are unreliable.
// The holder writes a heartbeat-stamped record and refreshes it on a timer;
// a contender defers to any record with a fresh heartbeat.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const lockFileName = "switchboard.lock"

// ErrHeld is returned when another live instance owns the data directory.
var ErrHeld = errors.New("lock: held by another instance")

// Record is the on-disk lock document.
type Record struct {
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Options tunes acquisition. Zero values get defaults.
type Options struct {
	Host            string        // default os.Hostname
	PID             int           // default os.Getpid
	RefreshInterval time.Duration // default 10s
	StaleAfter      time.Duration // default 30s

	// pidAlive is injectable for tests.
	pidAlive func(pid int) bool
}

// Lock is one acquired (or acquirable) instance lock.
type Lock struct {
	path string
	opts Options

	mu       sync.Mutex
	held     bool
	stopCh   chan struct{}
	stopDone chan struct{}
}

// New prepares a lock for the data directory. Nothing touches disk until
// Acquire.
func New(dataDir string, opts Options) *Lock {
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.pidAlive == nil {
		opts.pidAlive = pidAlive
	}
	return &Lock{
		path: filepath.Join(dataDir, lockFileName),
		opts: opts,
	}
}

// Acquire claims the lock or returns ErrHeld describing the holder. On
// success a background refresher keeps the heartbeat fresh until Release.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("lock: create data dir: %w", err)
	}

	// Exclusive create is the atomic fast path; exactly one contender wins.
	if err := l.writeExclusive(); err == nil {
		l.startRefresher()
		return nil
	} else if !errors.Is(err, os.ErrExist) {
		return err
	}

	existing, err := l.read()
	if err != nil {
		// Unreadable record: treat as stale and take over.
		slog.Warn("lock.unreadable_record", "path", l.path, "error", err)
		return l.takeOver()
	}

	fresh := time.Since(existing.Heartbeat) < l.opts.StaleAfter
	if existing.Host != l.opts.Host {
		if fresh {
			return fmt.Errorf("%w: host %s pid %d", ErrHeld, existing.Host, existing.PID)
		}
		return l.takeOver()
	}

	// Same host: the pid check is authoritative.
	if existing.PID != l.opts.PID && l.opts.pidAlive(existing.PID) && fresh {
		return fmt.Errorf("%w: host %s pid %d", ErrHeld, existing.Host, existing.PID)
	}
	return l.takeOver()
}

// Release stops the refresher and removes the record. Safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	close(l.stopCh)
	<-l.stopDone

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lock.release_failed", "path", l.path, "error", err)
	}
}

// Holder reads the current record without acquiring.
func (l *Lock) Holder() (Record, error) {
	return l.read()
}

func (l *Lock) record() Record {
	now := time.Now().UTC()
	return Record{
		Host:      l.opts.Host,
		PID:       l.opts.PID,
		StartedAt: now,
		Heartbeat: now,
	}
}

// writeExclusive claims the lock only if no file exists. The record is
// staged in a temp file and hard-linked into place so a contender never
// observes a partially written record.
func (l *Lock) writeExclusive() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".lock-*")
	if err != nil {
		return fmt.Errorf("lock: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(l.record()); err != nil {
		tmp.Close()
		return fmt.Errorf("lock: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), l.path)
}

// takeOver overwrites a stale or own record atomically via temp + rename.
func (l *Lock) takeOver() error {
	if err := l.writeAtomic(l.record()); err != nil {
		return err
	}
	l.startRefresher()
	return nil
}

func (l *Lock) writeAtomic(rec Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".lock-*")
	if err != nil {
		return fmt.Errorf("lock: create temp: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("lock: write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("lock: rename: %w", err)
	}
	return nil
}

func (l *Lock) read() (Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("lock: decode record: %w", err)
	}
	return rec, nil
}

// startRefresher must run with l.mu held.
func (l *Lock) startRefresher() {
	l.held = true
	l.stopCh = make(chan struct{})
	l.stopDone = make(chan struct{})

	go func() {
		defer close(l.stopDone)
		ticker := time.NewTicker(l.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				rec, err := l.read()
				if err != nil {
					rec = l.record()
				}
				rec.Host = l.opts.Host
				rec.PID = l.opts.PID
				rec.Heartbeat = time.Now().UTC()
				if err := l.writeAtomic(rec); err != nil {
					slog.Warn("lock.refresh_failed", "error", err)
				}
			}
		}
	}()
}

// pidAlive reports whether a process with the pid exists on this host.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
