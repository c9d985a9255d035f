// Package date provides a cached, thread-safe HTTP Date header value.
package date

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	current atomic.Pointer[[]byte]

	tickerMu   sync.Mutex
	tickerRefs int
	tickerStop chan struct{}
)

// StartTicker refreshes the cached value every 500ms until the returned
// stop function is called. Tickers are reference counted so several
// listeners can share one goroutine.
func StartTicker() func() {
	tickerMu.Lock()
	defer tickerMu.Unlock()

	update()
	tickerRefs++
	if tickerRefs == 1 {
		tickerStop = make(chan struct{})
		go run(tickerStop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			tickerMu.Lock()
			defer tickerMu.Unlock()
			tickerRefs--
			if tickerRefs == 0 {
				close(tickerStop)
			}
		})
	}
}

func run(done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			update()
		case <-done:
			current.Store(nil)
			return
		}
	}
}

func update() {
	b := []byte(time.Now().UTC().Format(http.TimeFormat))
	current.Store(&b)
}

// Current returns the cached Date header value. Without a running ticker it
// formats the current time.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(http.TimeFormat))
}
