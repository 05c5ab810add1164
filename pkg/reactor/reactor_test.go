package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireInvokesHandlersInSubscriptionOrder(t *testing.T) {
	r := New()
	var order []string

	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		order = append(order, "first")
		return nil, nil
	})
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		order = append(order, "second")
		return nil, nil
	})

	r.Fire(T("event"))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestFirePassesArguments(t *testing.T) {
	r := New()
	var got []interface{}

	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		got = args
		return nil, nil
	})
	r.Fire(T("event"), "a", 2)
	assert.Equal(t, []interface{}{"a", 2}, got)
}

func TestFireReturnsResults(t *testing.T) {
	r := New()
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		return 1, nil
	})
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		return 2, nil
	})
	assert.Equal(t, []interface{}{1, 2}, r.Fire(T("event")))
}

func TestHandlerErrorIsLoggedAndSkipped(t *testing.T) {
	r := New()
	boom := errors.New("boom")

	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		return nil, boom
	})
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		return "ok", nil
	})

	results := r.Fire(T("event"))
	require.Len(t, results, 2)
	assert.Equal(t, boom, results[0])
	assert.Equal(t, "ok", results[1])
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	r := New()
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		panic("bad handler")
	})
	r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		return "ok", nil
	})

	results := r.Fire(T("event"))
	require.Len(t, results, 2)
	assert.Error(t, results[0].(error))
	assert.Equal(t, "ok", results[1])
}

func TestFireIsReentrant(t *testing.T) {
	r := New()
	var order []string

	r.CallOn(T("inner"), func(args ...interface{}) (interface{}, error) {
		order = append(order, "inner")
		return nil, nil
	})
	r.CallOn(T("outer"), func(args ...interface{}) (interface{}, error) {
		r.Fire(T("inner"))
		order = append(order, "outer")
		return nil, nil
	})

	r.Fire(T("outer"))
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestTupleTopicsAreDistinct(t *testing.T) {
	r := New()
	var hits []string

	r.CallOn(Msg("accepted-types"), func(args ...interface{}) (interface{}, error) {
		hits = append(hits, "typed")
		return nil, nil
	})
	r.CallOn(T("message"), func(args ...interface{}) (interface{}, error) {
		hits = append(hits, "generic")
		return nil, nil
	})

	r.Fire(T("message"))
	r.Fire(Msg("accepted-types"))
	assert.Equal(t, []string{"generic", "typed"}, hits)
}

func TestCancelSubscription(t *testing.T) {
	r := New()
	calls := 0

	id := r.CallOn(T("event"), func(args ...interface{}) (interface{}, error) {
		calls++
		return nil, nil
	})
	r.Fire(T("event"))
	r.CancelCall(id)
	r.Fire(T("event"))
	assert.Equal(t, 1, calls)
}

func TestCallLaterFiresAfterDelay(t *testing.T) {
	r := New()
	fired := false

	r.CallLater(10*time.Second, func() { fired = true })
	r.Advance(9 * time.Second)
	assert.False(t, fired)
	r.Advance(1 * time.Second)
	assert.True(t, fired)
}

func TestCallLaterOrdering(t *testing.T) {
	r := New()
	var order []int

	r.CallLater(20*time.Second, func() { order = append(order, 20) })
	r.CallLater(10*time.Second, func() { order = append(order, 10) })
	r.CallLater(30*time.Second, func() { order = append(order, 30) })

	r.Advance(time.Minute)
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestCancelCallPreventsFiring(t *testing.T) {
	r := New()
	fired := false

	id := r.CallLater(5*time.Second, func() { fired = true })
	r.CancelCall(id)
	r.Advance(time.Minute)
	assert.False(t, fired)
}

func TestCancelUnknownIDIsIgnored(t *testing.T) {
	r := New()
	r.CancelCall(12345)
}

func TestTimedCallMayScheduleAnother(t *testing.T) {
	r := New()
	var order []string

	r.CallLater(10*time.Second, func() {
		order = append(order, "first")
		r.CallLater(10*time.Second, func() {
			order = append(order, "second")
		})
	})

	r.Advance(10 * time.Second)
	assert.Equal(t, []string{"first"}, order)
	r.Advance(10 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestAdvanceRunsChainedDueCalls(t *testing.T) {
	// A rescheduled call already inside the advanced window runs during
	// the same Advance.
	r := New()
	var order []string

	r.CallLater(10*time.Second, func() {
		order = append(order, "first")
		r.CallLater(5*time.Second, func() {
			order = append(order, "second")
		})
	})

	r.Advance(time.Minute)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunExecutesTimersOnWallClock(t *testing.T) {
	r := New()
	fired := make(chan struct{})

	r.CallLater(10*time.Millisecond, func() { close(fired) })
	go r.Run()
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed call did not fire")
	}
}

func TestCallRunsOnReactorGoroutine(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	result, err := r.Call(func() (interface{}, error) {
		return "pong", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestCallWithoutRunIsDirect(t *testing.T) {
	r := New()
	result, err := r.Call(func() (interface{}, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}
