package agent

import (
	"context"
	"time"
)

// TimeSyncInterval is how often TimeSyncer nudges the guest clock
// forward (spec §5).
const TimeSyncInterval = 30 * time.Second

// TimeSyncer periodically pushes the host's wall clock to the guest via
// Client.SetTime, compensating for VM clock drift while the container
// runs.
type TimeSyncer struct {
	client Client
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeSyncer constructs a syncer against client; call Start to begin.
func NewTimeSyncer(client Client) *TimeSyncer {
	return &TimeSyncer{client: client}
}

// Start launches the periodic sync loop on its own goroutine. Calling
// Start twice without an intervening Stop is a programming error.
func (t *TimeSyncer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx)
}

func (t *TimeSyncer) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(TimeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := t.client.SetTime(rctx, now.Unix(), int64(now.Nanosecond())/1000); err != nil {
				agentLog.WithError(err).Warn("time sync failed")
			}
			cancel()
		}
	}
}

// Stop cancels the sync loop and waits for it to exit. Safe to call even
// if Start was never called.
func (t *TimeSyncer) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}
