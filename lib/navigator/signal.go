package navigator

import "sync"

// Signal is a coalescing notification channel, a Notify while a previous one
// is still pending is merged into it.
type Signal struct {
	ch chan struct{}
}

func NewSignal() Signal {
	return Signal{ch: make(chan struct{}, 1)}
}

func (s Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s Signal) C() <-chan struct{} {
	return s.ch
}

// Closer closes a done channel exactly once and runs the hooks registered
// before that.
type Closer struct {
	once sync.Once
	done chan struct{}
}

func NewCloser() *Closer {
	return &Closer{done: make(chan struct{})}
}

// Close reports whether this call was the one that closed.
func (c *Closer) Close(hook func()) bool {
	closed := false
	c.once.Do(func() {
		if hook != nil {
			hook()
		}
		close(c.done)
		closed = true
	})
	return closed
}

func (c *Closer) Done() <-chan struct{} {
	return c.done
}

func (c *Closer) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
