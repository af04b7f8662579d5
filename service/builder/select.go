package builder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildcore-io/settler/service/ledger"
)

// OutputSource is the slice of the ledger client input selection needs.
type OutputSource interface {
	OutputByID(ctx context.Context, id ledger.OutputID) (*ledger.OutputResult, error)
	QueryOutputs(ctx context.Context, filter ledger.OutputFilter) ([]*ledger.OutputResult, error)
}

// InputSelector picks the outputs an outbound transaction will consume.
type InputSelector struct {
	source   OutputSource
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewInputSelector creates a selector with a bounded polling budget for
// indexer lookups: attempts × delay is the longest a lookup will wait for
// the indexer to observe an address's outputs.
func NewInputSelector(source OutputSource, attempts int, delay time.Duration, logger *slog.Logger) *InputSelector {
	return &InputSelector{
		source:   source,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

// Select returns the outputs to consume for the given address.
//
// When the address lock carries a cached consumed-output-id list from a
// prior attempt, those exact outputs are fetched by id. This keeps retries
// deterministic: an unconfirmed earlier submission may have spent the
// outputs already, and re-querying a possibly stale indexer could pick a
// conflicting set.
//
// Otherwise the ledger's output index is queried with filters excluding
// timelocked, expiring and storage-return-bearing outputs, polling up to
// the configured bound before failing with ErrLookupTimeout.
func (s *InputSelector) Select(ctx context.Context, address ledger.Address, cachedConsumed []ledger.OutputID) ([]*ledger.OutputResult, error) {
	if len(cachedConsumed) > 0 {
		s.logger.DebugContext(ctx, "selecting cached inputs",
			"address", address,
			"count", len(cachedConsumed),
		)
		results := make([]*ledger.OutputResult, 0, len(cachedConsumed))
		for _, id := range cachedConsumed {
			result, err := s.source.OutputByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch cached output %s: %w", id, err)
			}
			results = append(results, result)
		}
		return results, nil
	}

	no := false
	filter := ledger.OutputFilter{
		Address:          address,
		HasTimelock:      &no,
		HasExpiration:    &no,
		HasStorageReturn: &no,
	}

	for attempt := 0; attempt < s.attempts; attempt++ {
		results, err := s.source.QueryOutputs(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			s.logger.DebugContext(ctx, "selected indexer outputs",
				"address", address,
				"count", len(results),
				"attempt", attempt+1,
			)
			return results, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	return nil, fmt.Errorf("no outputs for %s after %d attempts: %w", address, s.attempts, ledger.ErrLookupTimeout)
}
