package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPNode implements NodeClient against a node's REST API. One instance
// per configured endpoint; the fan-out Client owns retry across them.
type HTTPNode struct {
	baseURL string
	http    *http.Client
}

// NewHTTPNode creates a node client for the given base URL. A nil
// httpClient uses a default with a 30 second timeout.
func NewHTTPNode(baseURL string, httpClient *http.Client) *HTTPNode {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPNode{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Info returns the node's health and network identity.
func (n *HTTPNode) Info(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := n.get(ctx, "/api/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Tips returns block ids suitable as parents for a new block.
func (n *HTTPNode) Tips(ctx context.Context) ([]BlockID, error) {
	var resp struct {
		Tips []BlockID `json:"tips"`
	}
	if err := n.get(ctx, "/api/v1/tips", &resp); err != nil {
		return nil, err
	}
	return resp.Tips, nil
}

// OutputByID fetches a single output by its id.
func (n *HTTPNode) OutputByID(ctx context.Context, id OutputID) (*OutputResult, error) {
	var result OutputResult
	if err := n.get(ctx, "/api/v1/outputs/"+url.PathEscape(string(id)), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryOutputs queries the indexer for an address's unspent outputs.
func (n *HTTPNode) QueryOutputs(ctx context.Context, filter OutputFilter) ([]*OutputResult, error) {
	q := url.Values{}
	q.Set("address", string(filter.Address))
	setTriState(q, "has_storage_return", filter.HasStorageReturn)
	setTriState(q, "has_timelock", filter.HasTimelock)
	setTriState(q, "has_expiration", filter.HasExpiration)
	setTriState(q, "has_native_tokens", filter.HasNativeTokens)

	var resp struct {
		Items []*OutputResult `json:"items"`
	}
	if err := n.get(ctx, "/api/v1/outputs?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// SubmitBlock posts a block. A 4xx rejection surfaces as SubmissionError
// so the executor can record it without retrying the build.
func (n *HTTPNode) SubmitBlock(ctx context.Context, block *Block) (BlockID, error) {
	body, err := json.Marshal(block)
	if err != nil {
		return "", fmt.Errorf("failed to encode block: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/v1/blocks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", &SubmissionError{Reason: readErrorBody(resp.Body, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit block: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		BlockID BlockID `json:"block_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	return out.BlockID, nil
}

// BlockMetadata returns the inclusion state of a submitted block.
func (n *HTTPNode) BlockMetadata(ctx context.Context, id BlockID) (*BlockMetadata, error) {
	var meta BlockMetadata
	if err := n.get(ctx, "/api/v1/blocks/"+url.PathEscape(string(id))+"/metadata", &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (n *HTTPNode) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, readErrorBody(resp.Body, resp.StatusCode))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func setTriState(q url.Values, key string, v *bool) {
	if v != nil {
		q.Set(key, strconv.FormatBool(*v))
	}
}

// readErrorBody extracts the node's error message, falling back to the
// status code when the body is empty or unreadable.
func readErrorBody(r io.Reader, status int) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return fmt.Sprintf("status %d", status)
	}
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return wire.Error
	}
	return string(bytes.TrimSpace(body))
}
