package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	m.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := m.AfterFunc(time.Second, func() { order = append(order, "never") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	m.Advance(1500 * time.Millisecond)
	require.Equal(t, []string{"a"}, order)
	require.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, time.Unix(0, 0).Add(2500*time.Millisecond), m.Now())
}

func TestManual_RunsTimersScheduledByCallbacks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	m.AfterFunc(0, func() {
		fired++
		m.AfterFunc(0, func() { fired++ })
	})
	m.Advance(0)
	require.Equal(t, 2, fired)
	require.Equal(t, []time.Duration{0, 0}, m.Requested())
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	calls := 0
	d := NewDebouncer(m, time.Second, func() { calls++ })

	d.Trigger()
	m.Advance(500 * time.Millisecond)
	d.Trigger()
	m.Advance(500 * time.Millisecond)
	d.Trigger()
	m.Advance(999 * time.Millisecond)
	require.Equal(t, 0, calls)

	m.Advance(time.Millisecond)
	require.Equal(t, 1, calls)

	d.Trigger()
	d.Stop()
	m.Advance(5 * time.Second)
	require.Equal(t, 1, calls)
}

func TestDebouncer_RealScheduler(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(Real(), 10*time.Millisecond, func() { calls.Add(1) })
	for i := 0; i < 5; i++ {
		d.Trigger()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}
