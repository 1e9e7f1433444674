package table

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAppliesDefaults(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	h, err := b.Register(Spec{Name: "fancy"})
	require.NoError(t, err)

	tab, err := b.Freeze()
	require.NoError(t, err)
	d, ok := tab.Get(h)
	require.True(t, ok)
	require.Equal(t, DefaultPriority, d.Priority)
	require.Equal(t, 1, d.Capacity)
	require.False(t, d.Bound())
}

func TestRegisterRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{name: "empty name", spec: Spec{Name: "  "}, want: ErrInvalidName},
		{name: "negative priority", spec: Spec{Name: "a", Priority: -1}, want: ErrInvalidPriority},
		{name: "priority too high", spec: Spec{Name: "a", Priority: MaxPriority + 1}, want: ErrInvalidPriority},
		{name: "negative capacity", spec: Spec{Name: "a", Capacity: -3}, want: ErrInvalidCapacity},
		{name: "capacity too high", spec: Spec{Name: "a", Capacity: MaxCapacity + 1}, want: ErrInvalidCapacity},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewBuilder().Register(tt.spec)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDuplicateInterruptIsConfigurationError(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Register(Spec{Name: "on_exti", Priority: 2, Interrupt: "EXTI15_10"})
	require.NoError(t, err)
	_, err = b.Register(Spec{Name: "other", Priority: 3, Interrupt: "EXTI15_10"})
	require.True(t, errors.Is(err, ErrDuplicateInterrupt), "got %v", err)
	require.Contains(t, err.Error(), "on_exti")

	_, err = b.Register(Spec{Name: "on_exti"})
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestFreezeIsFinal(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Freeze()
	require.ErrorIs(t, err, ErrEmpty)

	low, _ := b.Register(Spec{Name: "low", Priority: 1, Capacity: 2})
	high, _ := b.Register(Spec{Name: "high", Priority: 4, Interrupt: "CAN1_RX0"})
	_, _ = b.Register(Spec{Name: "low2", Priority: 1, Capacity: 3})

	tab, err := b.Freeze()
	require.NoError(t, err)
	again, err := b.Freeze()
	require.NoError(t, err)
	require.Same(t, tab, again)

	_, err = b.Register(Spec{Name: "late"})
	require.ErrorIs(t, err, ErrFrozen)

	require.Equal(t, 3, tab.Len())
	require.Equal(t, []Priority{4, 1}, tab.Levels())
	require.Equal(t, 5, tab.CapacityAt(1))
	require.Equal(t, 6, tab.TotalCapacity())

	h, ok := tab.Bound("CAN1_RX0")
	require.True(t, ok)
	require.Equal(t, high, h)
	h, ok = tab.Lookup("low")
	require.True(t, ok)
	require.Equal(t, low, h)

	require.Equal(t, IdlePriority, tab.Priority(Idle))
	require.Equal(t, "idle", tab.Name(Idle))
	require.False(t, tab.Valid(Handle(3)))
}
