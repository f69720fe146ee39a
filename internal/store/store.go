// Package store implements C2, the persistent state store: a single JSON
// file under <data_root>/runtime-state holding App records and the
// upgrade-mode lock, written through a single-writer command-queue goroutine
// so concurrent callers serialize. Reads go through the same queue, so a
// read waits behind pending writes. Writes are atomic rename-into-place, and the data
// directory is held exclusive via flock, in internal/storelock.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/storelock"
	"github.com/tako-run/takod/internal/telemetry"
)

// onDiskState is the full JSON document persisted to runtime-state.
type onDiskState struct {
	Apps    map[string]domain.App `json:"apps"`
	Upgrade domain.UpgradeLock    `json:"upgrade"`
}

// command is one item in the single-writer queue.
type command struct {
	run  func(*onDiskState) (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

// Store is the process-wide handle to the persistent state file.
type Store struct {
	fs       afero.Fs
	path     string
	dirLock  *storelock.DirLock

	state onDiskState

	cmds     chan command
	done     chan struct{}
	lockInfo *storelock.LockInfo
}

// Open loads the existing state file (if any) and starts the writer
// goroutine. fs is injectable so tests can use afero.NewMemMapFs().
// operation is recorded in the directory lock ("run" or
// "upgrade-candidate") so a concurrent open reports who holds it.
func Open(ctx context.Context, fs afero.Fs, dataRoot, operation string) (*Store, error) {
	path := dataRoot + "/runtime-state"

	s := &Store{
		fs:      fs,
		path:    path,
		dirLock: storelock.New(dataRoot),
		state:   onDiskState{Apps: make(map[string]domain.App)},
		cmds:    make(chan command, 32),
		done:    make(chan struct{}),
	}

	lockInfo, err := s.dirLock.Acquire(operation)
	if err != nil {
		return nil, fmt.Errorf("acquiring data directory lock: %w", err)
	}
	s.lockInfo = lockInfo

	if err := s.loadAll(); err != nil {
		s.dirLock.Release(lockInfo)
		return nil, err
	}

	go s.writerLoop()
	return s, nil
}

// Close stops the writer goroutine, drains pending commands, and releases
// the data directory lock.
func (s *Store) Close() {
	close(s.cmds)
	<-s.done
	if s.lockInfo != nil {
		s.dirLock.Release(s.lockInfo)
	}
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for cmd := range s.cmds {
		val, err := cmd.run(&s.state)
		if err == nil {
			if werr := s.persist(); werr != nil {
				err = werr
			}
		}
		cmd.resp <- result{val: val, err: err}
	}
}

// submit runs fn against the authoritative state on the single writer
// goroutine and persists the result durably before returning.
func (s *Store) submit(fn func(*onDiskState) (any, error)) (any, error) {
	resp := make(chan result, 1)
	s.cmds <- command{run: fn, resp: resp}
	r := <-resp
	return r.val, r.err
}

func (s *Store) loadAll() error {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("checking state file: %w", err)
	}
	if !exists {
		return nil
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var st onDiskState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if st.Apps == nil {
		st.Apps = make(map[string]domain.App)
	}
	s.state = st
	return nil
}

// persist writes the current state durably via a temp-file-then-rename,
// so a crash mid-write never leaves a truncated state file behind.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// ReadAllApps returns a snapshot of every registered App.
func (s *Store) ReadAllApps() map[string]domain.App {
	v, _ := s.submit(func(st *onDiskState) (any, error) {
		out := make(map[string]domain.App, len(st.Apps))
		for k, v := range st.Apps {
			out[k] = v
		}
		return out, nil
	})
	return v.(map[string]domain.App)
}

// GetApp returns a single App by name.
func (s *Store) GetApp(name string) (domain.App, bool) {
	v, _ := s.submit(func(st *onDiskState) (any, error) {
		app, ok := st.Apps[name]
		return appLookup{app: app, ok: ok}, nil
	})
	pair := v.(appLookup)
	return pair.app, pair.ok
}

type appLookup struct {
	app domain.App
	ok  bool
}

// PutApp persists a new or updated App record.
func (s *Store) PutApp(ctx context.Context, app domain.App) error {
	_, span := telemetry.TraceStore(ctx, "put_app", app.Name)
	defer span.End()

	_, err := s.submit(func(st *onDiskState) (any, error) {
		st.Apps[app.Name] = app
		return nil, nil
	})
	return err
}

// DeleteApp removes an App record.
func (s *Store) DeleteApp(ctx context.Context, name string) error {
	_, span := telemetry.TraceStore(ctx, "delete_app", name)
	defer span.End()

	_, err := s.submit(func(st *onDiskState) (any, error) {
		delete(st.Apps, name)
		return nil, nil
	})
	return err
}

// AcquireUpgrade is the CAS: succeeds iff no owner is currently recorded or
// owner already holds the lock.
func (s *Store) AcquireUpgrade(owner string) bool {
	v, _ := s.submit(func(st *onDiskState) (any, error) {
		if st.Upgrade.Owner == "" || st.Upgrade.Owner == owner {
			st.Upgrade.Owner = owner
			return true, nil
		}
		return false, nil
	})
	return v.(bool)
}

// ReleaseUpgrade succeeds only if the current owner matches.
func (s *Store) ReleaseUpgrade(owner string) bool {
	v, _ := s.submit(func(st *onDiskState) (any, error) {
		if st.Upgrade.Owner == owner {
			st.Upgrade.Owner = ""
			return true, nil
		}
		return false, nil
	})
	return v.(bool)
}

// GetUpgradeOwner returns the current upgrade-lock owner, or "" if free.
func (s *Store) GetUpgradeOwner() string {
	v, _ := s.submit(func(st *onDiskState) (any, error) {
		return st.Upgrade.Owner, nil
	})
	return v.(string)
}

// IsUpgrading reports whether the upgrade lock is currently held.
func (s *Store) IsUpgrading() bool {
	return s.GetUpgradeOwner() != ""
}
