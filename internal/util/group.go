package util

import "sync"

// Group runs background goroutines that Close waits for. Once Close has
// started, Go refuses new work, so Add never races with Wait.
type Group struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Go runs f in a new goroutine and reports whether it was started.
func (g *Group) Go(f func()) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		f()
	}()
	return true
}

// Wait blocks until every started goroutine has returned. Go stays usable.
func (g *Group) Wait() { g.wg.Wait() }

// Close refuses further work and waits for running goroutines.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}
