package navigator

import (
	"context"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestMemorySession(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySession()

	_, ok, err := s.Get(ctx, "step")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "step", "running"))
	v, ok, err := s.Get(ctx, "step")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "running", v)

	require.NoError(t, s.Delete(ctx, "step"))
	_, ok, _ = s.Get(ctx, "step")
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", "b"))
	s.Clear()
	_, ok, _ = s.Get(ctx, "a")
	require.False(t, ok)
}

func TestSignalCoalesces(t *testing.T) {
	s := NewSignal()
	s.Notify()
	s.Notify()
	s.Notify()

	<-s.C()
	select {
	case <-s.C():
		t.Fatal("notifications were not coalesced")
	default:
	}
}

func TestCloserClosesOnce(t *testing.T) {
	c := NewCloser()
	calls := 0
	require.True(t, c.Close(func() { calls++ }))
	require.False(t, c.Close(func() { calls++ }))
	require.Equal(t, 1, calls)
	require.True(t, c.IsClosed())
	<-c.Done()
}

// loadingContext finishes a load during each of its first `loads` document reads.
type loadingContext struct {
	Context
	generation uint64
	loads      int
	reads      int
	err        error
}

func (c *loadingContext) Generation() uint64 {
	return c.generation
}

func (c *loadingContext) Document(context.Context) (*goquery.Document, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.reads++
	page := "<html><body><p>page " + strings.Repeat("i", int(c.generation)) + "</p></body></html>"
	if c.loads > 0 {
		c.loads--
		c.generation++
	}
	return goquery.NewDocumentFromReader(strings.NewReader(page))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()

	settled := &loadingContext{generation: 3}
	doc, generation, err := Snapshot(ctx, settled)
	require.NoError(t, err)
	require.Equal(t, uint64(3), generation)
	require.Equal(t, 1, settled.reads)
	require.Equal(t, "page iii", doc.Find("p").Text())

	racing := &loadingContext{generation: 1, loads: 2}
	doc, generation, err = Snapshot(ctx, racing)
	require.NoError(t, err)
	require.Equal(t, uint64(3), generation)
	require.Equal(t, 3, racing.reads)
	require.Equal(t, "page iii", doc.Find("p").Text())

	broken := &loadingContext{err: ErrClosed}
	_, _, err = Snapshot(ctx, broken)
	require.ErrorIs(t, err, ErrClosed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = Snapshot(cancelled, &loadingContext{loads: 1})
	require.ErrorIs(t, err, context.Canceled)
}
