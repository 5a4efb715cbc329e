package limits

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// registry wire messages: one JSON object per line, one response line per
// request line
type registryRequest struct {
	Op      string           `json:"op"`
	Account string           `json:"account,omitempty"`
	Deltas  map[string]int64 `json:"deltas,omitempty"`
}

type registryResponse struct {
	Error   string                    `json:"error,omitempty"`
	Limits  *ResourceLimits           `json:"limits,omitempty"`
	Updated map[string]ResourceLimits `json:"updated,omitempty"`
}

const (
	opGetLimits   = "get-resource-limits"
	opBatchUpdate = "batch-update-fuel-usage"
)

// maximum accepted response line
const maxResponseBytes = 1 << 20

// RemoteClient talks line-delimited JSON to the registry service, one
// connection per request.
type RemoteClient struct {
	addr    string
	timeout time.Duration
}

var _ RegistryClient = (*RemoteClient)(nil)

// NewRemoteClient creates a client for the registry at addr
// (host:port).
func NewRemoteClient(addr string, timeout time.Duration) *RemoteClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RemoteClient{addr: addr, timeout: timeout}
}

// GetResourceLimits implements RegistryClient.
func (c *RemoteClient) GetResourceLimits(ctx context.Context, account string) (ResourceLimits, error) {
	resp, err := c.roundTrip(ctx, registryRequest{Op: opGetLimits, Account: account})
	if err != nil {
		return ResourceLimits{}, fmt.Errorf("get resource limits %s: %w", account, err)
	}
	if resp.Limits == nil {
		return ResourceLimits{}, fmt.Errorf("get resource limits %s: empty response", account)
	}
	return *resp.Limits, nil
}

// BatchUpdateFuelUsage implements RegistryClient.
func (c *RemoteClient) BatchUpdateFuelUsage(ctx context.Context, deltas map[string]int64) (map[string]ResourceLimits, error) {
	resp, err := c.roundTrip(ctx, registryRequest{Op: opBatchUpdate, Deltas: deltas})
	if err != nil {
		return nil, fmt.Errorf("batch update fuel usage: %w", err)
	}
	return resp.Updated, nil
}

func (c *RemoteClient) roundTrip(ctx context.Context, req registryRequest) (*registryResponse, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial registry: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set registry deadline: %w", err)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode registry request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send registry request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxResponseBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read registry response: %w", err)
		}
		return nil, fmt.Errorf("registry closed connection without responding")
	}

	var resp registryResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("registry error: %s", resp.Error)
	}
	return &resp, nil
}

// Static serves fixed limits for every account and acknowledges every
// usage report. For single-node deployments with no registry service.
type Static struct {
	Limits ResourceLimits
}

var _ RegistryClient = Static{}

// GetResourceLimits implements RegistryClient.
func (s Static) GetResourceLimits(context.Context, string) (ResourceLimits, error) {
	return s.Limits, nil
}

// BatchUpdateFuelUsage implements RegistryClient. The static registry has
// no ledger, so the configured budget is simply restated.
func (s Static) BatchUpdateFuelUsage(_ context.Context, deltas map[string]int64) (map[string]ResourceLimits, error) {
	out := make(map[string]ResourceLimits, len(deltas))
	for account := range deltas {
		out[account] = s.Limits
	}
	return out, nil
}

// Disabled admits everything: effectively infinite fuel, no memory cap.
type Disabled struct{}

var _ RegistryClient = (*Disabled)(nil)

// GetResourceLimits implements RegistryClient.
func (Disabled) GetResourceLimits(context.Context, string) (ResourceLimits, error) {
	return ResourceLimits{AvailableFuel: 1<<62 - 1, MaxMemoryPerWorker: 0}, nil
}

// BatchUpdateFuelUsage implements RegistryClient.
func (Disabled) BatchUpdateFuelUsage(_ context.Context, deltas map[string]int64) (map[string]ResourceLimits, error) {
	out := make(map[string]ResourceLimits, len(deltas))
	for account := range deltas {
		out[account] = ResourceLimits{AvailableFuel: 1<<62 - 1, MaxMemoryPerWorker: 0}
	}
	return out, nil
}
