package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildcore-io/settler/service/metrics"
)

// NodeInfo describes a node's view of the ledger.
type NodeInfo struct {
	Healthy bool   `json:"healthy"`
	Network string `json:"network"`
	// ConfirmedMilestoneIndex is the newest milestone the node considers
	// confirmed. Used to decide whether a node is lagging.
	ConfirmedMilestoneIndex uint32 `json:"confirmed_milestone_index"`
}

// OutputFilter narrows an indexer query for an address's unspent outputs.
// Nil tri-state fields mean "don't care".
type OutputFilter struct {
	Address          Address
	HasStorageReturn *bool
	HasTimelock      *bool
	HasExpiration    *bool
	HasNativeTokens  *bool
}

// OutputResult is one unspent output as reported by the indexer.
type OutputResult struct {
	ID     OutputID `json:"id"`
	Output Output   `json:"output"`
}

// BlockMetadata is the inclusion state of a submitted block.
type BlockMetadata struct {
	BlockID        BlockID `json:"block_id"`
	Confirmed      bool    `json:"confirmed"`
	ConflictReason string  `json:"conflict_reason,omitempty"`
}

// NodeClient is the surface this core consumes from a single ledger node.
// Implementations wrap the node's HTTP API; tests substitute fakes.
type NodeClient interface {
	Info(ctx context.Context) (*NodeInfo, error)
	Tips(ctx context.Context) ([]BlockID, error)
	OutputByID(ctx context.Context, id OutputID) (*OutputResult, error)
	QueryOutputs(ctx context.Context, filter OutputFilter) ([]*OutputResult, error)
	SubmitBlock(ctx context.Context, block *Block) (BlockID, error)
	BlockMetadata(ctx context.Context, id BlockID) (*BlockMetadata, error)
}

// Endpoint pairs a NodeClient with a label used for logging and metrics.
type Endpoint struct {
	Name string
	Node NodeClient
}

// Client fans requests out over the configured node endpoints. Each call is
// tried against every endpoint in order; an endpoint that fails its health
// check or errors is skipped and the next one is tried. Only when all
// endpoints fail does the call return ErrLedgerUnavailable.
type Client struct {
	endpoints []Endpoint
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a ledger client over the given endpoints.
// If m is nil, no metrics are recorded.
func NewClient(endpoints []Endpoint, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		endpoints: endpoints,
		metrics:   m,
		logger:    logger,
	}
}

// healthy returns the first endpoint whose node reports healthy, preferring
// earlier (primary) endpoints. Returns ErrLedgerUnavailable when none do.
func (c *Client) healthy(ctx context.Context) (*Endpoint, error) {
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		start := time.Now()
		info, err := ep.Node.Info(ctx)
		c.record("Info", err, ep.Name, time.Since(start))
		if err != nil {
			c.logger.WarnContext(ctx, "node info failed",
				"endpoint", ep.Name,
				"error", err,
			)
			continue
		}
		if !info.Healthy {
			c.logger.WarnContext(ctx, "node not healthy, skipping",
				"endpoint", ep.Name,
				"milestone", info.ConfirmedMilestoneIndex,
			)
			continue
		}
		return ep, nil
	}
	return nil, fmt.Errorf("no healthy node endpoint: %w", ErrLedgerUnavailable)
}

func (c *Client) record(method string, err error, endpoint string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordLedgerCall(method, status, endpoint, d.Seconds())
}

// do runs fn against each endpoint until one succeeds.
func do[T any](ctx context.Context, c *Client, method string, fn func(NodeClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		start := time.Now()
		result, err := fn(ep.Node)
		c.record(method, err, ep.Name, time.Since(start))
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logger.WarnContext(ctx, "ledger call failed, trying next endpoint",
			"method", method,
			"endpoint", ep.Name,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordLedgerRetry(method, "endpoint_error")
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return zero, fmt.Errorf("%w: %v", ErrLedgerUnavailable, lastErr)
}

// Info returns ledger info from the first healthy endpoint.
func (c *Client) Info(ctx context.Context) (*NodeInfo, error) {
	ep, err := c.healthy(ctx)
	if err != nil {
		return nil, err
	}
	return ep.Node.Info(ctx)
}

// Tips returns the current tips to parent a new block on.
func (c *Client) Tips(ctx context.Context) ([]BlockID, error) {
	return do(ctx, c, "Tips", func(n NodeClient) ([]BlockID, error) {
		return n.Tips(ctx)
	})
}

// OutputByID fetches a single output.
func (c *Client) OutputByID(ctx context.Context, id OutputID) (*OutputResult, error) {
	return do(ctx, c, "OutputByID", func(n NodeClient) (*OutputResult, error) {
		return n.OutputByID(ctx, id)
	})
}

// QueryOutputs queries the indexer for an address's unspent outputs.
func (c *Client) QueryOutputs(ctx context.Context, filter OutputFilter) ([]*OutputResult, error) {
	return do(ctx, c, "QueryOutputs", func(n NodeClient) ([]*OutputResult, error) {
		return n.QueryOutputs(ctx, filter)
	})
}

// SubmitBlock submits a block to the ledger.
func (c *Client) SubmitBlock(ctx context.Context, block *Block) (BlockID, error) {
	return do(ctx, c, "SubmitBlock", func(n NodeClient) (BlockID, error) {
		return n.SubmitBlock(ctx, block)
	})
}

// BlockMetadata fetches a block's inclusion state.
func (c *Client) BlockMetadata(ctx context.Context, id BlockID) (*BlockMetadata, error) {
	return do(ctx, c, "BlockMetadata", func(n NodeClient) (*BlockMetadata, error) {
		return n.BlockMetadata(ctx, id)
	})
}

// AwaitConfirmation polls a block's inclusion state with a fixed attempt
// count and fixed delay. Returns ErrLookupTimeout when the bound is
// exhausted without confirmation, and SubmissionError if the block
// conflicts.
func (c *Client) AwaitConfirmation(ctx context.Context, id BlockID, attempts int, delay time.Duration) error {
	for attempt := 0; attempt < attempts; attempt++ {
		md, err := c.BlockMetadata(ctx, id)
		if err != nil {
			return err
		}
		if md.ConflictReason != "" {
			return &SubmissionError{BlockID: id, Reason: md.ConflictReason}
		}
		if md.Confirmed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("block %s not confirmed after %d attempts: %w", id, attempts, ErrLookupTimeout)
}
