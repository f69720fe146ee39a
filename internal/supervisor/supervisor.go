// Package supervisor implements C5: spawns and tracks the OS processes
// backing each app instance on the port its Spec names, and drives graceful
// shutdown, running an app's release binary directly via exec.Command
// with stdout/stderr written to a log file instead of a container runtime.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gops "github.com/mitchellh/go-ps"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
)

// Spec describes one instance to spawn.
type Spec struct {
	App        string
	Release    string
	InstanceID int
	Command    string // absolute path to the release's main executable
	Dir        string // working directory (release dir)
	Env        []string
	Port       int
	LogDir     string // <data>/apps/<app>/shared/logs
}

// Supervisor owns every live Proc and its backing *exec.Cmd.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string][]*iproc.Proc // app -> instances
	cmds  map[*iproc.Proc]*exec.Cmd
	logs  map[*iproc.Proc]io.Closer

	drainTimeout time.Duration
}

func New(drainTimeout time.Duration) *Supervisor {
	return &Supervisor{
		procs:        make(map[string][]*iproc.Proc),
		cmds:         make(map[*iproc.Proc]*exec.Cmd),
		logs:         make(map[*iproc.Proc]io.Closer),
		drainTimeout: drainTimeout,
	}
}

// Spawn starts one instance and registers it under its app. The process's
// stdout/stderr are written to <LogDir>/<instance_id>.log.
func (s *Supervisor) Spawn(spec Spec) (*iproc.Proc, error) {
	if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(spec.LogDir, fmt.Sprintf("%d.log", spec.InstanceID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening instance log %s: %w", logPath, err)
	}

	cmd := exec.Command(spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s instance %d: %w", spec.App, spec.InstanceID, err)
	}

	proc := iproc.New(spec.App, spec.Release, spec.InstanceID)
	proc.Port = spec.Port
	proc.SetPID(cmd.Process.Pid)

	s.mu.Lock()
	s.procs[spec.App] = append(s.procs[spec.App], proc)
	s.cmds[proc] = cmd
	s.logs[proc] = logFile
	s.mu.Unlock()

	go s.reapOnExit(proc, cmd)

	return proc, nil
}

// reapOnExit waits on the child process so it never becomes a zombie and
// marks it stopped if it exits without an explicit Stop call.
func (s *Supervisor) reapOnExit(proc *iproc.Proc, cmd *exec.Cmd) {
	cmd.Wait()
	if proc.State() != domain.StateStopped {
		proc.SetState(domain.StateStopped)
	}
}

// Stop sends SIGTERM, waits up to the configured drain timeout, then
// SIGKILLs the process group if it hasn't exited.
func (s *Supervisor) Stop(ctx context.Context, proc *iproc.Proc) error {
	proc.SetState(domain.StateDraining)

	s.mu.Lock()
	cmd, ok := s.cmds[proc]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		proc.SetState(domain.StateStopped)
		return nil
	}

	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	timeout := s.drainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	case <-ctx.Done():
		syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}

	proc.SetState(domain.StateStopped)
	s.cleanup(proc)
	return nil
}

// Kill immediately SIGKILLs proc's process group without waiting for drain
// and stops tracking it.
func (s *Supervisor) Kill(proc *iproc.Proc) {
	s.mu.Lock()
	cmd, ok := s.cmds[proc]
	s.mu.Unlock()
	if ok && cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	proc.SetState(domain.StateStopped)
	s.cleanup(proc)
}

func (s *Supervisor) cleanup(proc *iproc.Proc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lf, ok := s.logs[proc]; ok {
		lf.Close()
		delete(s.logs, proc)
	}
	delete(s.cmds, proc)

	list := s.procs[proc.App]
	for i, p := range list {
		if p == proc {
			s.procs[proc.App] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Instances returns every tracked instance of app.
func (s *Supervisor) Instances(app string) []*iproc.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*iproc.Proc, len(s.procs[app]))
	copy(out, s.procs[app])
	return out
}

// AllInstances returns every tracked instance, grouped by app, for the
// health prober's per-tick fan-out.
func (s *Supervisor) AllInstances() map[string][]*iproc.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*iproc.Proc, len(s.procs))
	for app, list := range s.procs {
		cp := make([]*iproc.Proc, len(list))
		copy(cp, list)
		out[app] = cp
	}
	return out
}

// VerifyPIDs checks every tracked instance's recorded PID still appears in
// the OS process table, returning those that have vanished without our
// reaper noticing (e.g. killed externally).
func (s *Supervisor) VerifyPIDs() []*iproc.Proc {
	table, err := gops.Processes()
	if err != nil {
		return nil
	}
	alive := make(map[int]bool, len(table))
	for _, p := range table {
		alive[p.Pid()] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []*iproc.Proc
	for _, list := range s.procs {
		for _, proc := range list {
			if proc.State() == domain.StateStopped {
				continue
			}
			if !alive[proc.PID()] {
				missing = append(missing, proc)
			}
		}
	}
	return missing
}
