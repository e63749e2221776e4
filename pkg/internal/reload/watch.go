package reload

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/knadh/koanf/providers/file"
)

// DebounceDuration coalesces bursts of file events into one reload.
const DebounceDuration = 100 * time.Millisecond

// Watch calls cb whenever the file at path changes until ctx is canceled.
// Bursts of changes within DebounceDuration trigger a single call and calls
// never overlap.
func Watch(ctx context.Context, path string, cb func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		return nil
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)
	d := &debouncer{wait: DebounceDuration}

	provider := file.Provider(path)
	err := provider.Watch(func(_ any, err error) {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Info("failed watching config", "error", err)
			return
		}
		d.trigger(func() {
			if ctx.Err() != nil {
				return
			}
			log.Info("auto-reloading config")
			start := time.Now()
			if err := cb(ctx); err != nil {
				log.Info("failed to reload config", "error", err)
				return
			}
			log.Info("reloaded config successfully", "duration", time.Since(start).Round(time.Millisecond).String())
		})
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		d.stop()
		_ = provider.Unwatch()
	}()
	return nil
}

type debouncer struct {
	wait time.Duration

	mu    sync.Mutex // protects timer
	timer *time.Timer
	run   sync.Mutex // serializes fn
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, func() {
		d.run.Lock()
		defer d.run.Unlock()
		fn()
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
