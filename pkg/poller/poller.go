// Package poller runs cancellable periodic checks.
package poller

import (
	"context"
	"sync"
	"time"
)

// Func is one check. It receives a context that is cancelled on Stop.
type Func func(ctx context.Context)

// Poller calls a Func once immediately and then on every tick until stopped.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches a poller. The poller also stops when ctx is cancelled.
func Start(ctx context.Context, interval time.Duration, fn Func) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, interval, fn)
	return p
}

func (p *Poller) run(ctx context.Context, interval time.Duration, fn Func) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

// Stop cancels the poller and waits for a running check to return. It is
// safe to call more than once.
func (p *Poller) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}

// Done is closed once the poller goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Group keeps at most one poller per key.
type Group struct {
	mu      sync.Mutex
	pollers map[string]*Poller
}

func NewGroup() *Group {
	return &Group{pollers: make(map[string]*Poller)}
}

// Replace stops the poller registered under key, if any, and starts a new
// one in its place.
func (g *Group) Replace(ctx context.Context, key string, interval time.Duration, fn Func) {
	g.mu.Lock()
	old := g.pollers[key]
	delete(g.pollers, key)
	g.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	p := Start(ctx, interval, fn)

	g.mu.Lock()
	prev := g.pollers[key]
	g.pollers[key] = p
	g.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
}

// Stop stops the poller registered under key. It reports whether one was
// running.
func (g *Group) Stop(key string) bool {
	g.mu.Lock()
	p := g.pollers[key]
	delete(g.pollers, key)
	g.mu.Unlock()

	if p == nil {
		return false
	}
	p.Stop()
	return true
}

// Keys returns the keys with a registered poller.
func (g *Group) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.pollers))
	for k := range g.pollers {
		keys = append(keys, k)
	}
	return keys
}

// StopAll stops every poller in the group.
func (g *Group) StopAll() {
	g.mu.Lock()
	pollers := g.pollers
	g.pollers = make(map[string]*Poller)
	g.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}
