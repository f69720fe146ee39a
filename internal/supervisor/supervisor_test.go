package supervisor

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/tako-run/takod/internal/domain"
)

func sleeperSpec(t *testing.T, app string, id int) Spec {
	t.Helper()
	dir := t.TempDir()
	return Spec{
		App:        app,
		Release:    "r1",
		InstanceID: id,
		Command:    "/bin/sleep",
		Dir:        dir,
		Env:        os.Environ(),
		Port:       0,
		LogDir:     dir,
	}
}

func TestSpawnTracksInstanceUnderApp(t *testing.T) {
	s := New(5 * time.Second)
	spec := sleeperSpec(t, "blog", 1)
	spec.Command = "/bin/sleep"

	proc, err := s.Spawn(withArgs(spec, "5"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer s.Kill(proc)

	got := s.Instances("blog")
	if len(got) != 1 || got[0] != proc {
		t.Fatalf("got %+v, want a single-element slice containing proc", got)
	}
	if proc.PID() == 0 {
		t.Fatal("expected a nonzero PID after spawn")
	}
}

func TestStopGracefullyTerminatesProcess(t *testing.T) {
	s := New(2 * time.Second)
	proc, err := s.Spawn(withArgs(sleeperSpec(t, "blog", 1), "30"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := s.Stop(context.Background(), proc); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if proc.State() != domain.StateStopped {
		t.Fatalf("got state %v, want stopped", proc.State())
	}
	if len(s.Instances("blog")) != 0 {
		t.Fatal("expected Stop to remove the instance from tracking")
	}
}

func TestStopKillsAfterDrainTimeout(t *testing.T) {
	s := New(50 * time.Millisecond)
	dir := t.TempDir()
	// a process that ignores SIGTERM
	proc, err := s.Spawn(withArgs(Spec{
		App: "blog", Release: "r1", InstanceID: 1,
		Command: "/bin/sh", Dir: dir, Env: os.Environ(), LogDir: dir,
	}, "-c", "trap '' TERM; sleep 30"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	start := time.Now()
	if err := s.Stop(context.Background(), proc); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop took %v, expected SIGKILL fallback well under 2s", elapsed)
	}
	if proc.State() != domain.StateStopped {
		t.Fatalf("got state %v, want stopped", proc.State())
	}
}

func TestAllInstancesGroupsByApp(t *testing.T) {
	s := New(5 * time.Second)
	p1, _ := s.Spawn(withArgs(sleeperSpec(t, "blog", 1), "5"))
	p2, _ := s.Spawn(withArgs(sleeperSpec(t, "shop", 1), "5"))
	defer s.Kill(p1)
	defer s.Kill(p2)

	all := s.AllInstances()
	if len(all["blog"]) != 1 || len(all["shop"]) != 1 {
		t.Fatalf("got %+v, want one instance per app", all)
	}
}

func TestVerifyPIDsDetectsExternallyKilledProcess(t *testing.T) {
	s := New(5 * time.Second)
	proc, err := s.Spawn(withArgs(sleeperSpec(t, "blog", 1), "30"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	syscall.Kill(proc.PID(), syscall.SIGKILL)
	// allow the reaper goroutine a moment, but VerifyPIDs should catch it
	// even if the reaper hasn't run yet since it checks the OS process table.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		missing := s.VerifyPIDs()
		for _, m := range missing {
			if m == proc {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected VerifyPIDs to report the externally killed process")
}

// withArgs works around Spawn's Command-as-exact-executable-path contract by
// swapping in a small wrapper: Supervisor always execs spec.Command with no
// arguments, so tests that need arguments build the command line into a
// temporary shell script instead.
func withArgs(spec Spec, args ...string) Spec {
	script := spec.Dir + "/" + "run.sh"
	content := "#!/bin/sh\nexec " + spec.Command
	for _, a := range args {
		content += " " + shQuote(a)
	}
	content += "\n"
	os.WriteFile(script, []byte(content), 0755)
	spec.Command = script
	return spec
}

func shQuote(s string) string {
	return "'" + s + "'"
}
