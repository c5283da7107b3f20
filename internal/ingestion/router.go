package ingestion

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/position"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var ErrWrongMarket = errors.New("ingestion: message for another market")

// Submitter is the engine's mutating entry point
type Submitter interface {
	Submit(ctx context.Context, cmd core.Command) (*core.Result, error)
}

// Router parses raw messages and hands them to the engine or the feed.
// It runs on a single goroutine so commands reach the engine in delivery
// order.
type Router struct {
	marketID string
	engine   Submitter
	feed     *Feed
	in       <-chan RawEvent
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRouter(marketID string, engine Submitter, feed *Feed, in <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{
		marketID: marketID,
		engine:   engine,
		feed:     feed,
		in:       in,
		metrics:  metrics,
		logger:   logger,
	}
}

func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.in:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it. Malformed messages and
// permanent rejections are acked; a retry can only help when the market
// data for the binding block is not there yet.
func (r *Router) Handle(ctx context.Context, raw RawEvent) {
	err := r.apply(ctx, raw)
	if r.metrics != nil {
		r.metrics.IngestToApply.WithLabelValues(string(raw.Kind)).Observe(time.Since(raw.Timestamp).Seconds())
	}
	if err == nil {
		settle(raw.AckFunc)
		return
	}

	reason := core.Reason(err)
	if errors.Is(err, ErrWrongMarket) {
		reason = "wrong_market"
	}
	if r.metrics != nil {
		r.metrics.IngestErrors.WithLabelValues(string(raw.Kind), reason).Inc()
	}

	if retryable(err) {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Str("reason", reason).Msg("message deferred")
		settle(raw.NakFunc)
		return
	}
	r.logger.Warn().Err(err).Str("subject", raw.Subject).Str("reason", reason).Msg("message rejected")
	settle(raw.AckFunc)
}

func (r *Router) apply(ctx context.Context, raw RawEvent) error {
	switch raw.Kind {
	case KindCommand:
		cmd, marketID, err := ParseCommand(raw.Data)
		if err != nil {
			return err
		}
		if marketID != r.marketID {
			return ErrWrongMarket
		}
		_, err = r.engine.Submit(ctx, cmd)
		return err
	case KindPrice:
		u, err := ParsePriceUpdate(raw.Data)
		if err != nil {
			return err
		}
		return r.feed.ApplyPrices(ctx, u)
	case KindPnl:
		u, err := ParsePnlUpdate(raw.Data)
		if err != nil {
			return err
		}
		return r.feed.ApplyPnl(ctx, u)
	default:
		return errors.New("ingestion: unknown message kind " + string(raw.Kind))
	}
}

func retryable(err error) bool {
	return errors.Is(err, oracle.ErrStalePrice) ||
		errors.Is(err, oracle.ErrUnavailable) ||
		errors.Is(err, position.ErrPnlUnavailable)
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
