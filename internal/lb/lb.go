// Package lb implements C7, the per-app load balancer: a round-robin pool
// over healthy instances with copy-on-write membership and a lock-free
// atomic cursor, so the proxy's request path never blocks on a mutex held
// by the prober or rollout engine.
package lb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
)

// pool is the immutable membership snapshot for one app.
type pool struct {
	members []*iproc.Proc
}

// Balancer holds one pool per app name.
type Balancer struct {
	mu    sync.Mutex // serializes writers across apps; reads never take it
	pools atomic.Pointer[map[string]*pool]
}

func New() *Balancer {
	b := &Balancer{}
	empty := make(map[string]*pool)
	b.pools.Store(&empty)
	return b
}

// ErrNoHealthyInstance is returned by Next when an app has no eligible
// member, signaling the caller to trigger a cold start or return 502.
var ErrNoHealthyInstance = fmt.Errorf("lb: no healthy instance available")

// cursor tracks the next round-robin index per app, separate from the
// pool snapshot so rotating doesn't require replacing the whole map.
var cursors sync.Map // app string -> *atomic.Uint64

// Next returns the next eligible instance for app in round-robin order,
// skipping anything not in StateHealthy.
func (b *Balancer) Next(app string) (*iproc.Proc, error) {
	pools := *b.pools.Load()
	p, ok := pools[app]
	if !ok || len(p.members) == 0 {
		return nil, ErrNoHealthyInstance
	}

	cur, _ := cursors.LoadOrStore(app, new(atomic.Uint64))
	c := cur.(*atomic.Uint64)

	n := len(p.members)
	for i := 0; i < n; i++ {
		idx := int(c.Add(1)-1) % n
		m := p.members[idx]
		if m.State() == domain.StateHealthy {
			return m, nil
		}
	}
	return nil, ErrNoHealthyInstance
}

// Members returns every instance currently registered for app, regardless
// of health state, for status reporting.
func (b *Balancer) Members(app string) []*iproc.Proc {
	pools := *b.pools.Load()
	p, ok := pools[app]
	if !ok {
		return nil
	}
	out := make([]*iproc.Proc, len(p.members))
	copy(out, p.members)
	return out
}

// Count returns the number of members currently in app's pool.
func (b *Balancer) Count(app string) int {
	return len(b.Members(app))
}

// Add registers proc in app's pool.
func (b *Balancer) Add(app string, proc *iproc.Proc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.pools.Load()
	next := clonePools(old)
	cur := next[app]
	if cur == nil {
		cur = &pool{}
	}
	members := append(append([]*iproc.Proc{}, cur.members...), proc)
	next[app] = &pool{members: members}
	b.pools.Store(&next)
}

// Remove drops proc from app's pool.
func (b *Balancer) Remove(app string, proc *iproc.Proc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.pools.Load()
	next := clonePools(old)
	cur := next[app]
	if cur == nil {
		return
	}
	members := make([]*iproc.Proc, 0, len(cur.members))
	for _, m := range cur.members {
		if m != proc {
			members = append(members, m)
		}
	}
	next[app] = &pool{members: members}
	b.pools.Store(&next)
}

// RemoveApp drops every member of app, used when an app is deleted.
func (b *Balancer) RemoveApp(app string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := *b.pools.Load()
	next := clonePools(old)
	delete(next, app)
	b.pools.Store(&next)
	cursors.Delete(app)
}

func clonePools(old map[string]*pool) map[string]*pool {
	next := make(map[string]*pool, len(old))
	for k, v := range old {
		next[k] = v
	}
	return next
}
