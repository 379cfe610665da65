package licensing

import (
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the background revalidation worker. The main program owns its
// lifetime: Start launches the goroutine, Stop blocks until it exits. The
// worker wakes once per tier check interval and never outlives shutdown by
// more than one interval.
type Ticker struct {
	manager *Manager
	log     zerolog.Logger
	stop    chan struct{}
	done    chan struct{}
}

// NewTicker creates the license revalidation worker
func NewTicker(manager *Manager, log zerolog.Logger) *Ticker {
	return &Ticker{
		manager: manager,
		log:     log.With().Str("component", "license_ticker").Logger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (t *Ticker) Start() {
	go t.run()
}

// Stop cancels the worker and waits for it to exit
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
	t.log.Info().Msg("License ticker stopped")
}

func (t *Ticker) run() {
	defer close(t.done)

	interval := t.manager.CheckInterval()
	t.log.Info().Dur("interval", interval).Msg("License ticker started")

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
			state := t.manager.Check()
			t.log.Debug().Str("state", string(state)).Msg("Periodic license check")

			// A tier change (observed online) can change the cadence
			next := t.manager.CheckInterval()
			if next != interval {
				t.log.Info().Dur("interval", next).Msg("License check cadence changed")
				interval = next
			}
			timer.Reset(interval)
		}
	}
}
