package pipeline

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// watchdog fires onStall once if touch is not called for timeout.
type watchdog struct {
	last atomic.Int64
	stop func()
}

func startWatchdog(timeout time.Duration, onStall func()) *watchdog {
	wd := &watchdog{}
	wd.last.Store(time.Now().UnixNano())
	if timeout <= 0 {
		wd.stop = func() {}
		return wd
	}
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	quit := make(chan struct{})
	var once sync.Once
	wd.stop = func() { once.Do(func() { close(quit) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case now := <-ticker.C:
				if now.Sub(time.Unix(0, wd.last.Load())) >= timeout {
					onStall()
					return
				}
			}
		}
	}()
	return wd
}

func (w *watchdog) touch() {
	w.last.Store(time.Now().UnixNano())
}

// touchWriter counts every successful write as progress.
type touchWriter struct {
	w     io.Writer
	touch func()
}

func (t touchWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.touch()
	}
	return n, err
}
