package lb

import (
	"testing"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
)

func healthy(app, release string, id int) *iproc.Proc {
	p := iproc.New(app, release, id)
	p.SetState(domain.StateHealthy)
	return p
}

func TestNextRotatesAcrossMembers(t *testing.T) {
	b := New()
	a := healthy("blog", "r1", 1)
	c := healthy("blog", "r1", 2)
	b.Add("blog", a)
	b.Add("blog", c)

	seen := map[*iproc.Proc]int{}
	for i := 0; i < 4; i++ {
		p, err := b.Next("blog")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[p]++
	}
	if seen[a] == 0 || seen[c] == 0 {
		t.Fatalf("expected both members to be selected, got %v", seen)
	}
}

func TestNextSkipsUnhealthy(t *testing.T) {
	b := New()
	sick := iproc.New("blog", "r1", 1)
	sick.SetState(domain.StateUnhealthy)
	well := healthy("blog", "r1", 2)
	b.Add("blog", sick)
	b.Add("blog", well)

	for i := 0; i < 4; i++ {
		p, err := b.Next("blog")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p != well {
			t.Fatalf("expected only the healthy member to be returned, got %+v", p)
		}
	}
}

func TestNextNoHealthyInstanceReturnsError(t *testing.T) {
	b := New()
	sick := iproc.New("blog", "r1", 1)
	sick.SetState(domain.StateUnhealthy)
	b.Add("blog", sick)

	if _, err := b.Next("blog"); err != ErrNoHealthyInstance {
		t.Fatalf("got %v, want ErrNoHealthyInstance", err)
	}
}

func TestNextUnknownAppReturnsError(t *testing.T) {
	b := New()
	if _, err := b.Next("nowhere"); err != ErrNoHealthyInstance {
		t.Fatalf("got %v, want ErrNoHealthyInstance", err)
	}
}

func TestRemoveDropsMember(t *testing.T) {
	b := New()
	a := healthy("blog", "r1", 1)
	c := healthy("blog", "r1", 2)
	b.Add("blog", a)
	b.Add("blog", c)

	b.Remove("blog", a)

	if got := b.Count("blog"); got != 1 {
		t.Fatalf("got %d members, want 1", got)
	}
	for i := 0; i < 3; i++ {
		p, err := b.Next("blog")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p != c {
			t.Fatalf("expected the remaining member, got %+v", p)
		}
	}
}

func TestRemoveAppClearsPool(t *testing.T) {
	b := New()
	b.Add("blog", healthy("blog", "r1", 1))
	b.RemoveApp("blog")

	if got := b.Count("blog"); got != 0 {
		t.Fatalf("got %d members after RemoveApp, want 0", got)
	}
	if _, err := b.Next("blog"); err != ErrNoHealthyInstance {
		t.Fatalf("got %v, want ErrNoHealthyInstance", err)
	}
}

func TestMembersReturnsCopyRegardlessOfHealth(t *testing.T) {
	b := New()
	sick := iproc.New("blog", "r1", 1)
	sick.SetState(domain.StateUnhealthy)
	b.Add("blog", sick)

	members := b.Members("blog")
	if len(members) != 1 || members[0] != sick {
		t.Fatalf("expected Members to include unhealthy instances, got %+v", members)
	}

	members[0] = nil
	if b.Members("blog")[0] != sick {
		t.Fatal("mutating the returned slice must not affect the balancer's internal state")
	}
}
