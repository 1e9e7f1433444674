package periph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countPender struct{ n int }

func (c *countPender) Pend() error { c.n++; return nil }

func TestSimPin(t *testing.T) {
	t.Parallel()
	p := NewPin("PA5")
	require.NoError(t, p.Toggle())
	high, err := p.IsHigh()
	require.NoError(t, err)
	require.True(t, high)
	require.NoError(t, p.Set(true))
	require.Equal(t, uint64(1), p.Edges())

	in := NewPin("PA6")
	in.Follow(p)
	require.NoError(t, p.Low())
	high, err = in.IsHigh()
	require.NoError(t, err)
	require.False(t, high)

	p.Fail(true)
	require.ErrorIs(t, p.Toggle(), ErrPinFault)
}

func TestEXTI(t *testing.T) {
	t.Parallel()
	e := NewEXTI()
	v := &countPender{}
	require.NoError(t, e.Route(13, v))
	require.ErrorIs(t, e.Route(16, v), ErrInvalidPin)

	require.NoError(t, e.Trigger(13))
	require.NoError(t, e.Trigger(2))
	require.Equal(t, 1, v.n)
	require.True(t, e.Pending(13))
	require.True(t, e.Pending(2))

	e.Clear(13)
	require.False(t, e.Pending(13))
	require.True(t, e.Pending(2))
}

func TestLoopback(t *testing.T) {
	t.Parallel()
	bus := NewLoopback(2)
	rx := &countPender{}
	bus.OnReceive(rx)

	f, err := NewFrame(0x500, []byte{7, 1, 2})
	require.NoError(t, err)
	require.NoError(t, bus.Transmit(f))
	require.NoError(t, bus.Transmit(f))
	require.ErrorIs(t, bus.Transmit(f), ErrOverrun)
	require.Equal(t, 2, rx.n)

	got, err := bus.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte{7, 1, 2}, got.Bytes())
	_, err = bus.Receive()
	require.NoError(t, err)
	_, err = bus.Receive()
	require.ErrorIs(t, err, ErrNoFrame)

	sent, overruns := bus.Stats()
	require.Equal(t, uint64(3), sent)
	require.Equal(t, uint64(1), overruns)

	_, err = NewFrame(0x800, nil)
	require.ErrorIs(t, err, ErrInvalidID)
}
