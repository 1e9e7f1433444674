package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rtcore/internal/clock"
	"rtcore/internal/eventbus"
	"rtcore/internal/task/resource"
	"rtcore/internal/task/table"
)

// recorder collects handler output. Handlers only run on the core goroutine,
// so Drain-driven tests need no locking.
type recorder struct{ got []string }

func (r *recorder) add(s string) { r.got = append(r.got, s) }

func (r *recorder) handler(label string) Handler {
	return func(c *Context, payload any) error {
		if payload != nil {
			r.add(fmt.Sprint(payload))
			return nil
		}
		r.add(label)
		return nil
	}
}

func mustTask(t *testing.T, b *Builder, s table.Spec, h Handler, uses ...resource.Shared) table.Handle {
	t.Helper()
	id, err := b.Task(s, h, uses...)
	require.NoError(t, err)
	return id
}

func mustBuild(t *testing.T, b *Builder) *Dispatcher {
	t.Helper()
	d, err := b.Build()
	require.NoError(t, err)
	return d
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	b := NewBuilder(Config{}, clock.NewManual(0))
	low := mustTask(t, b, table.Spec{Name: "low", Priority: 1}, rec.handler("low"))
	mid := mustTask(t, b, table.Spec{Name: "mid", Priority: 2}, rec.handler("mid"))
	high := mustTask(t, b, table.Spec{Name: "high", Priority: 3}, rec.handler("high"))
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(low, nil))
	require.NoError(t, d.Spawn(mid, nil))
	require.NoError(t, d.Spawn(high, nil))
	require.NoError(t, d.Drain())

	require.Equal(t, []string{"high", "mid", "low"}, rec.got)
}

func TestSpawnOfHigherTaskPreemptsImmediately(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	b := NewBuilder(Config{}, clock.NewManual(0))
	var high, same table.Handle
	low := mustTask(t, b, table.Spec{Name: "low", Priority: 1}, func(c *Context, _ any) error {
		rec.add("low:start")
		require.NoError(t, c.Spawn(same, nil))
		rec.add("low:spawned-same")
		require.NoError(t, c.Spawn(high, nil))
		rec.add("low:end")
		return nil
	})
	same = mustTask(t, b, table.Spec{Name: "same", Priority: 1}, rec.handler("same"))
	high = mustTask(t, b, table.Spec{Name: "high", Priority: 2}, func(c *Context, _ any) error {
		rec.add("high")
		require.Equal(t, table.Priority(2), c.Priority())
		return nil
	})
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(low, nil))
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"low:start", "low:spawned-same", "high", "low:end", "same"}, rec.got)

	snap := d.Snapshot()
	require.Equal(t, uint64(1), snap.Tasks[high].Preemptions)
	require.Equal(t, uint64(0), snap.Tasks[same].Preemptions)
}

func TestEqualPriorityIsFIFOAcrossTasks(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	b := NewBuilder(Config{}, clock.NewManual(0))
	a := mustTask(t, b, table.Spec{Name: "a", Priority: 2, Capacity: 2}, rec.handler("a"))
	bb := mustTask(t, b, table.Spec{Name: "b", Priority: 2, Capacity: 2}, rec.handler("b"))
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(a, "a1"))
	require.NoError(t, d.Spawn(bb, "b1"))
	require.NoError(t, d.Spawn(a, "a2"))
	require.NoError(t, d.Spawn(bb, "b2"))
	require.NoError(t, d.Drain())

	require.Equal(t, []string{"a1", "b1", "a2", "b2"}, rec.got)
}

func TestLockDefersPreemptionUntilRelease(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	b := NewBuilder(Config{}, clock.NewManual(0))
	counter := resource.New(b.Resources(), "counter", 0, 0)

	var high table.Handle
	low := mustTask(t, b, table.Spec{Name: "low", Priority: 1}, func(c *Context, _ any) error {
		counter.Lock(c, func(v *int) {
			require.Equal(t, table.Priority(3), c.Priority())
			require.NoError(t, c.Spawn(high, nil))
			rec.add("low:locked")
			*v += 1
		})
		rec.add("low:released")
		require.Equal(t, table.Priority(1), c.Priority())
		return nil
	}, counter)
	high = mustTask(t, b, table.Spec{Name: "high", Priority: 3}, func(c *Context, _ any) error {
		counter.Lock(c, func(v *int) { *v += 10 })
		rec.add("high")
		return nil
	}, counter)
	d := mustBuild(t, b)
	require.Equal(t, table.Priority(3), counter.Ceiling())

	require.NoError(t, d.Spawn(low, nil))
	require.NoError(t, d.Drain())

	require.Equal(t, []string{"low:locked", "high", "low:released"}, rec.got)
}

func TestNoLostUpdates(t *testing.T) {
	t.Parallel()
	const rounds = 50
	b := NewBuilder(Config{}, clock.NewManual(0))
	counter := resource.New(b.Resources(), "counter", 0, 0)

	var high table.Handle
	low := mustTask(t, b, table.Spec{Name: "low", Priority: 1, Capacity: rounds}, func(c *Context, _ any) error {
		counter.Lock(c, func(v *int) {
			old := *v
			// A preemption here would lose the high task's increment.
			require.NoError(t, c.Spawn(high, nil))
			*v = old + 1
		})
		return nil
	}, counter)
	high = mustTask(t, b, table.Spec{Name: "high", Priority: 2, Capacity: rounds}, func(c *Context, _ any) error {
		counter.Lock(c, func(v *int) { *v += 1 })
		return nil
	}, counter)
	d := mustBuild(t, b)

	for i := 0; i < rounds; i++ {
		require.NoError(t, d.Spawn(low, nil))
	}
	require.NoError(t, d.Drain())

	snap := d.Snapshot()
	require.Equal(t, uint64(rounds), snap.Tasks[low].Dispatched)
	require.Equal(t, uint64(rounds), snap.Tasks[high].Dispatched)

	final := resource.With(&quiescent{task: low}, counter, func(v *int) int { return *v })
	require.Equal(t, 2*rounds, final)
}

// quiescent reads a resource once the dispatcher has nothing left to run.
type quiescent struct{ task table.Handle }

func (q *quiescent) Task() table.Handle                  { return q.task }
func (q *quiescent) Raise(table.Priority) table.Priority { return table.IdlePriority }
func (q *quiescent) Restore(table.Priority)              {}
func (q *quiescent) Preempt()                            {}

func TestDeadlineOrdering(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	clk := clock.NewManual(0)
	b := NewBuilder(Config{}, clk)
	h := mustTask(t, b, table.Spec{Name: "timed", Priority: 1, Capacity: 3}, rec.handler("timed"))
	d := mustBuild(t, b)

	require.NoError(t, d.SpawnAfter(h, "100a", 100))
	require.NoError(t, d.SpawnAfter(h, "50", 50))
	require.NoError(t, d.SpawnAfter(h, "100b", 100))

	clk.Set(49)
	require.NoError(t, d.Drain())
	require.Empty(t, rec.got)

	clk.Set(50)
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"50"}, rec.got)

	clk.Set(100)
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"50", "100a", "100b"}, rec.got)
}

func TestBackpressure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventTaskRejected)
	defer unsub()

	clk := clock.NewManual(0)
	b := NewBuilder(Config{}, clk, WithBus(bus))
	runs := 0
	h := mustTask(t, b, table.Spec{Name: "single", Priority: 1, Capacity: 1}, func(*Context, any) error {
		runs++
		return nil
	})
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(h, nil))
	err := d.Spawn(h, nil)
	require.ErrorIs(t, err, ErrQueueFull)
	require.NoError(t, d.Drain())
	require.Equal(t, 1, runs)

	// A deferred activation holds the slot too.
	require.NoError(t, d.SpawnAfter(h, nil, 10))
	require.ErrorIs(t, d.Spawn(h, nil), ErrQueueFull)
	require.ErrorIs(t, d.SpawnAt(h, nil, 20), ErrQueueFull)

	clk.Set(10)
	require.NoError(t, d.Drain())
	require.Equal(t, 2, runs)
	require.NoError(t, d.Spawn(h, nil))
	require.NoError(t, d.Drain())

	snap := d.Snapshot()
	require.Equal(t, uint64(3), snap.Tasks[h].Rejected)
	require.Equal(t, uint64(3), snap.Tasks[h].Accepted)
	require.Equal(t, 0, snap.Tasks[h].Pending)

	require.Len(t, events, 3)
	e := <-events
	require.Equal(t, "single", e.Data.(TaskEvent).Task)
}

func TestWraparound(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	clk := clock.NewManual(0xFFFF_FFF0)
	b := NewBuilder(Config{}, clk)
	h := mustTask(t, b, table.Spec{Name: "wrap", Priority: 1, Capacity: 2}, rec.handler("wrap"))
	d := mustBuild(t, b)

	require.NoError(t, d.SpawnAfter(h, "late", 0x20))
	require.NoError(t, d.SpawnAfter(h, "early", 0x08))

	clk.Advance(0x10) // counter wrapped to 0
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"early"}, rec.got)

	clk.Advance(0x0F)
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"early"}, rec.got)

	clk.Advance(1)
	require.NoError(t, d.Drain())
	require.Equal(t, []string{"early", "late"}, rec.got)
}

func TestDelayRange(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(5)
	b := NewBuilder(Config{}, clk)
	h := mustTask(t, b, table.Spec{Name: "t"}, func(*Context, any) error { return nil })
	d := mustBuild(t, b)

	require.ErrorIs(t, d.SpawnAfter(h, nil, clock.MaxDelay+1), ErrDelayRange)
	require.ErrorIs(t, d.SpawnAt(h, nil, clk.Now().Add(clock.MaxDelay+1)), ErrDelayRange)
	require.NoError(t, d.SpawnAfter(h, nil, clock.MaxDelay))
	require.ErrorIs(t, d.Spawn(table.Handle(7), nil), ErrUnknownTask)
}

func TestBuildJoinsConfigurationErrors(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	tight := resource.New(b.Resources(), "tight", 1, 0)
	noop := func(*Context, any) error { return nil }

	_, err := b.Task(table.Spec{Name: "a", Priority: 1, Interrupt: "EXTI0"}, noop)
	require.NoError(t, err)
	_, err = b.Task(table.Spec{Name: "b", Priority: 2, Interrupt: "EXTI0"}, noop)
	require.ErrorIs(t, err, table.ErrDuplicateInterrupt)
	_, err = b.Task(table.Spec{Name: "c", Priority: 2}, noop, tight)
	require.NoError(t, err)
	_, err = b.Task(table.Spec{Name: "d"}, nil)
	require.ErrorIs(t, err, ErrNilHandler)

	d, err := b.Build()
	require.Nil(t, d)
	require.ErrorIs(t, err, table.ErrDuplicateInterrupt)
	require.ErrorIs(t, err, resource.ErrCeiling)
	require.ErrorIs(t, err, ErrNilHandler)
}

func TestBuildTwice(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	mustTask(t, b, table.Spec{Name: "t"}, func(*Context, any) error { return nil })
	mustBuild(t, b)
	_, err := b.Build()
	require.ErrorIs(t, err, ErrBuilt)
	_, err = b.Task(table.Spec{Name: "late"}, func(*Context, any) error { return nil })
	require.ErrorIs(t, err, ErrBuilt)
}

func TestPanicIsRecoveredAndLocksReleased(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	shared := resource.New(b.Resources(), "shared", 0, 0)
	bad := mustTask(t, b, table.Spec{Name: "bad", Priority: 2}, func(c *Context, _ any) error {
		shared.Lock(c, func(*int) { panic("boom") })
		return nil
	}, shared)
	ok := 0
	good := mustTask(t, b, table.Spec{Name: "good", Priority: 1}, func(c *Context, _ any) error {
		shared.Lock(c, func(v *int) { *v++ })
		ok++
		return nil
	}, shared)
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(bad, nil))
	require.NoError(t, d.Spawn(good, nil))
	require.NoError(t, d.Drain())

	require.Equal(t, 1, ok)
	snap := d.Snapshot()
	require.Equal(t, uint64(1), snap.Tasks[bad].Panicked)
	require.Equal(t, uint64(1), snap.Tasks[good].Dispatched)
	require.Equal(t, table.IdlePriority, snap.Running)
}

func TestUndeclaredLockPanicsInsideHandler(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	shared := resource.New(b.Resources(), "shared", 0, 0)
	mustTask(t, b, table.Spec{Name: "owner", Priority: 1}, func(*Context, any) error { return nil }, shared)
	var caught error
	intruder := mustTask(t, b, table.Spec{Name: "intruder", Priority: 1}, func(c *Context, _ any) error {
		defer func() { caught, _ = recover().(error) }()
		shared.Lock(c, func(*int) {})
		return nil
	})
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(intruder, nil))
	require.NoError(t, d.Drain())
	require.ErrorIs(t, caught, resource.ErrUndeclared)
}

func TestTypedPayload(t *testing.T) {
	t.Parallel()
	var got []uint8
	b := NewBuilder(Config{}, clock.NewManual(0))
	h := mustTask(t, b, table.Spec{Name: "typed", Capacity: 2}, Typed(func(_ *Context, v uint8) error {
		got = append(got, v)
		return nil
	}))
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(h, uint8(7)))
	require.NoError(t, d.Spawn(h, "wrong"))
	require.NoError(t, d.Drain())

	require.Equal(t, []uint8{7}, got)
	require.Equal(t, uint64(1), d.Snapshot().Tasks[h].Failed)
}

func TestTaskEventsArePublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "task.")
	defer unsub()

	b := NewBuilder(Config{Events: true}, clock.NewManual(3), WithBus(bus))
	h := mustTask(t, b, table.Spec{Name: "loud", Priority: 4}, func(*Context, any) error {
		return errors.New("driver fault")
	})
	d := mustBuild(t, b)
	require.NoError(t, d.Spawn(h, nil))
	require.NoError(t, d.Drain())

	require.Len(t, events, 2)
	started := <-events
	finished := <-events
	require.Equal(t, EventTaskStarted, started.Type)
	require.Equal(t, EventTaskFinished, finished.Type)
	ev := finished.Data.(TaskEvent)
	require.Equal(t, "loud", ev.Task)
	require.Equal(t, table.Priority(4), ev.Priority)
	require.Equal(t, clock.Instant(3), ev.At)
	require.Equal(t, "driver fault", ev.Err)
}

func TestRunServesInterruptsAndIdle(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(0)
	b := NewBuilder(Config{Tick: time.Millisecond}, clk)
	var fired, timed, idles atomic.Int32
	mustTask(t, b, table.Spec{Name: "button", Priority: 2, Interrupt: "EXTI15_10"}, func(*Context, any) error {
		fired.Add(1)
		return nil
	})
	tick := mustTask(t, b, table.Spec{Name: "tick", Priority: 1}, func(*Context, any) error {
		timed.Add(1)
		return nil
	})
	b.Idle(func(*Context) { idles.Add(1) })
	d := mustBuild(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	v, err := d.Vector("EXTI15_10")
	require.NoError(t, err)
	require.NoError(t, v.Pend())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	require.ErrorIs(t, d.Pend("EXTI0"), ErrUnknownInterrupt)

	require.NoError(t, d.SpawnAfter(tick, nil, 5))
	clk.Advance(5)
	require.Eventually(t, func() bool { return timed.Load() == 1 }, time.Second, time.Millisecond)
	require.Positive(t, idles.Load())

	require.ErrorIs(t, d.Drain(), ErrCoreBusy)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunStopsWhileCoreSaturated(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	var spins atomic.Int64
	var self table.Handle
	self = mustTask(t, b, table.Spec{Name: "spin", Priority: 1}, func(c *Context, _ any) error {
		spins.Add(1)
		return c.SpawnAfter(self, nil, 0)
	})
	d := mustBuild(t, b)
	require.NoError(t, d.Spawn(self, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return spins.Load() > 100 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run kept the core after cancel")
	}

	// The respawned activation stays ready; a cancelled Run leaves it alone.
	stopped, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	halted := spins.Load()
	require.ErrorIs(t, d.Run(stopped), context.Canceled)
	require.Equal(t, halted, spins.Load())
	require.Equal(t, 1, d.Snapshot().Tasks[self].Pending)
}

func TestConcurrentPendsLoseNoUpdates(t *testing.T) {
	t.Parallel()
	const pushers, perPusher = 8, 200
	b := NewBuilder(Config{}, clock.NewManual(0))
	counter := resource.New(b.Resources(), "counter", 0, 0)
	bump := func(c *Context, _ any) error {
		counter.Lock(c, func(v *int) {
			old := *v
			runtime.Gosched()
			*v = old + 1
		})
		return nil
	}
	lo := mustTask(t, b, table.Spec{Name: "lo", Priority: 1, Capacity: 16, Interrupt: "EXTI0"}, bump, counter)
	hi := mustTask(t, b, table.Spec{Name: "hi", Priority: 2, Capacity: 16, Interrupt: "EXTI1"}, bump, counter)
	d := mustBuild(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < pushers; i++ {
		irq := "EXTI0"
		if i%2 == 1 {
			irq = "EXTI1"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perPusher; n++ {
				err := d.Pend(irq)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrQueueFull):
					runtime.Gosched()
				default:
					t.Errorf("pend %s: %v", irq, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return int64(snap.Tasks[lo].Dispatched+snap.Tasks[hi].Dispatched) == accepted.Load()
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	final := resource.With(&quiescent{task: lo}, counter, func(v *int) int { return *v })
	require.Positive(t, accepted.Load())
	require.EqualValues(t, accepted.Load(), final)
}

func TestIdleMayLockGrantedResource(t *testing.T) {
	t.Parallel()
	b := NewBuilder(Config{}, clock.NewManual(0))
	shared := resource.New(b.Resources(), "shared", 0, 0)
	task := mustTask(t, b, table.Spec{Name: "worker", Priority: 2}, func(c *Context, _ any) error {
		shared.Lock(c, func(v *int) { *v++ })
		return nil
	}, shared)
	var seen, raised atomic.Int32
	b.Idle(func(c *Context) {
		shared.Lock(c, func(v *int) {
			raised.Store(int32(c.Priority()))
			seen.Store(int32(*v))
		})
	}, shared)
	d := mustBuild(t, b)

	require.NoError(t, d.Spawn(task, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()
	require.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), raised.Load())
}
