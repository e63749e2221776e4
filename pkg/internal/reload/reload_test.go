package reload

import (
	"testing"
	"time"

	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestDebounceCoalesces(t *testing.T) {
	d := &debouncer{wait: 20 * time.Millisecond}
	var calls atomic.Int32
	for range 10 {
		d.trigger(func() { calls.Inc() })
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestConfigUpdateEvent(t *testing.T) {
	type cfg struct{ Name string }
	mgr := event.New()
	var got *ConfigUpdateEvent[cfg]
	unsub := Subscribe(mgr, func(e *ConfigUpdateEvent[cfg]) { got = e })
	defer unsub()

	FireConfigUpdate(mgr, &cfg{Name: "new"}, &cfg{Name: "old"})
	mgr.Wait()
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Config.Name)
	assert.Equal(t, "old", got.PrevConfig.Name)
}
