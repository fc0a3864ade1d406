package adapter

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/muse-bridge/bridge/internal/bus"
	"github.com/muse-bridge/bridge/internal/events"
	xglog "github.com/muse-bridge/bridge/internal/log"
	"github.com/muse-bridge/bridge/internal/metrics"
)

// State is the lifecycle state of an AdapterHandle (spec.md §4.2).
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateRetrying     State = "retrying"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second

	// retryRateLimit caps how often a handle may re-enter Logic.Run even
	// after the exponential backoff has decayed back to initialBackoff,
	// so a backend that fails fast forever can't spin the retry loop.
	retryRateLimit  = 1.0 // attempts per second, sustained
	retryRateBurst  = 3
)

// Handle is the uniform supervisor around a Logic implementation. It owns
// the ACK-on-stop guarantee, the retry/backoff policy, and the state
// machine reported via metrics.
type Handle struct {
	logic   Logic
	bus     *bus.Bus
	limiter *rate.Limiter

	retry bool
	state State
}

// New builds a Handle. If retry is true, a Run failure (other than a
// shutdown-triggered exit) is retried with exponential backoff per spec.md
// §4.2 step 5, paced additionally by a token-bucket limiter so a backend
// that fails instantly can't busy-loop once the backoff has decayed;
// otherwise a single failed attempt ends the handle.
func New(logic Logic, b *bus.Bus, retry bool) *Handle {
	return &Handle{
		logic:   logic,
		bus:     b,
		retry:   retry,
		state:   StateIdle,
		limiter: rate.NewLimiter(rate.Limit(retryRateLimit), retryRateBurst),
	}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State { return h.state }

func (h *Handle) setState(s State) {
	prefix := h.logic.Prefix()
	metrics.AdapterState.WithLabelValues(prefix, string(h.state)).Set(0)
	h.state = s
	metrics.AdapterState.WithLabelValues(prefix, string(s)).Set(1)
}

// Run drives the adapter until ctx is cancelled, the adapter's session ends
// for good (init failure, or a non-retrying Run failure), or a ShuttingDown
// event arrives on the bus. It publishes AdapterStopped{prefix} exactly
// once before returning, regardless of exit path.
func (h *Handle) Run(ctx context.Context) error {
	prefix := h.logic.Prefix()
	logger := xglog.WithComponent("adapter").With().Str("prefix", prefix).Logger()

	defer func() {
		h.setState(StateStopped)
		h.bus.Publish(events.AdapterStopped{Adapter: prefix})
		logger.Info().Str("event", "adapter.stopped").Msg("adapter stopped")
	}()

	logger.Info().Str("event", "adapter.start").Msg("starting adapter")
	h.setState(StateInitializing)
	if err := h.logic.Init(ctx); err != nil {
		logger.Error().Err(err).Str("event", "adapter.init_failed").Msg("adapter init failed")
		return err
	}

	backoff := initialBackoff
	for {
		h.setState(StateRunning)
		stopped, runErr := h.runOnce(ctx, prefix, logger)

		if stopped || ctx.Err() != nil {
			return nil
		}
		if runErr == nil {
			logger.Info().Str("event", "adapter.run_complete").Msg("adapter run completed cleanly")
			backoff = initialBackoff
			if !h.retry {
				return nil
			}
			continue
		}

		logger.Error().Err(runErr).Str("event", "adapter.run_failed").Msg("adapter run failed")
		if !h.retry {
			return runErr
		}

		h.setState(StateRetrying)
		metrics.AdapterRetries.WithLabelValues(prefix).Inc()
		logger.Warn().Dur("backoff", backoff).Str("event", "adapter.retrying").Msg("retrying after backoff")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce runs a single Logic.Run attempt, racing it against arrival of a
// ShuttingDown event and direct ctx cancellation, mirroring the handle's
// original tokio::select! over {run, ShuttingDown, cancellation}. stopped
// reports that the attempt ended because of ShuttingDown or cancellation.
func (h *Handle) runOnce(ctx context.Context, prefix string, logger zerolog.Logger) (stopped bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv := h.bus.Subscribe()
	defer recv.Unsubscribe()

	done := make(chan error, 1)
	go func() {
		done <- h.logic.Run(runCtx, h.bus)
	}()

	shutdown := make(chan struct{})
	go func() {
		for {
			event, _, ok := recv.Recv(runCtx)
			if !ok {
				return
			}
			if _, isShutdown := event.(events.ShuttingDown); isShutdown {
				close(shutdown)
				return
			}
		}
	}()

	select {
	case err := <-done:
		return false, err
	case <-shutdown:
		logger.Info().Str("event", "adapter.shutting_down").Msg("adapter received shutdown event")
		h.setState(StateStopping)
		cancel()
		<-done
		return true, nil
	case <-ctx.Done():
		h.setState(StateStopping)
		cancel()
		<-done
		return true, nil
	}
}
