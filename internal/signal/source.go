package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/types"
)

// ErrSourceTimeout marks a source that exceeded its bounded wait. It is an
// abstention, not a failure: the cycle continues without that source.
var ErrSourceTimeout = errors.New("signal source timeout")

// Source is one independent signal provider. Evaluate returns the source's
// recommendation for a symbol or an error; callers bound the wait through
// the context.
type Source interface {
	ID() string
	Evaluate(ctx context.Context, symbol string) (types.SourceSignal, error)
}

// Collect queries every source with a per-source bounded wait and returns
// the signals of those that responded. Timed-out or failed sources are
// logged and excluded; they never appear as zero-confidence entries.
func Collect(ctx context.Context, sources []Source, symbol string, timeout time.Duration, onTimeout func()) []types.SourceSignal {
	type outcome struct {
		sig types.SourceSignal
		err error
	}

	signals := make([]types.SourceSignal, 0, len(sources))
	for _, src := range sources {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		ch := make(chan outcome, 1)
		go func(s Source) {
			sig, err := s.Evaluate(cctx, symbol)
			ch <- outcome{sig, err}
		}(src)

		select {
		case out := <-ch:
			cancel()
			if out.err != nil {
				log.Warn().Err(out.err).Str("source", src.ID()).Str("symbol", symbol).
					Msg("signal source failed, treating as abstention")
				if errors.Is(out.err, ErrSourceTimeout) || errors.Is(out.err, context.DeadlineExceeded) {
					if onTimeout != nil {
						onTimeout()
					}
				}
				continue
			}
			signals = append(signals, out.sig)
		case <-cctx.Done():
			cancel()
			log.Warn().Str("source", src.ID()).Str("symbol", symbol).Dur("timeout", timeout).
				Msg("signal source timed out, treating as abstention")
			if onTimeout != nil {
				onTimeout()
			}
		}
	}
	return signals
}

// HTTPSource queries a remote provider over REST. The provider answers
// POST {symbol} with {action, confidence}.
type HTTPSource struct {
	id   string
	url  string
	rest *resty.Client
}

func NewHTTPSource(id, url string, timeout time.Duration) *HTTPSource {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	}
	return &HTTPSource{id: id, url: url, rest: r}
}

func (h *HTTPSource) ID() string { return h.id }

type httpSignalResp struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

func (h *HTTPSource) Evaluate(ctx context.Context, symbol string) (types.SourceSignal, error) {
	resp := &httpSignalResp{}
	httpResp, err := h.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"symbol": symbol}).
		SetResult(resp).
		Post(h.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return types.SourceSignal{}, fmt.Errorf("%w: %s", ErrSourceTimeout, h.id)
		}
		return types.SourceSignal{}, fmt.Errorf("source %s: %w", h.id, err)
	}
	if httpResp.StatusCode() != 200 {
		return types.SourceSignal{}, fmt.Errorf("source %s: status %d", h.id, httpResp.StatusCode())
	}

	action := types.Action(resp.Action)
	if action != types.Buy && action != types.Sell && action != types.Hold {
		return types.SourceSignal{}, fmt.Errorf("source %s: unknown action %q", h.id, resp.Action)
	}
	return types.SourceSignal{
		SourceID:   h.id,
		Action:     action,
		Confidence: clamp01(resp.Confidence),
	}, nil
}
