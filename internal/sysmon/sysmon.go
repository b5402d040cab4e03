package sysmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// statsTimeout bounds every RPC to the collector. Logging must never stall
// on telemetry, so the timeout is short and failures are swallowed.
const statsTimeout = 5 * time.Second

const (
	methodGetStats    = "/tracklab.SystemMonitor/GetStats"
	methodGetMetadata = "/tracklab.SystemMonitor/GetMetadata"
	methodTearDown    = "/tracklab.SystemMonitor/TearDown"
)

// StatsRequest identifies the process whose stats are wanted.
type StatsRequest struct {
	Pid          int   `json:"pid"`
	GpuDeviceIDs []int `json:"gpu_device_ids,omitempty"`
}

// StatsItem is one sampled metric.
type StatsItem struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// StatsResponse carries the sampled metrics.
type StatsResponse struct {
	Items []StatsItem `json:"items"`
}

// MetadataRequest is empty; present for wire symmetry.
type MetadataRequest struct{}

// MetadataResponse describes the collector's environment.
type MetadataResponse struct {
	Environment map[string]string `json:"environment"`
}

// TearDownRequest asks the collector process to exit.
type TearDownRequest struct{}

// TearDownResponse acknowledges teardown.
type TearDownResponse struct{}

// MonitorServer is the service contract, used by tests to serve the API
// in-process.
type MonitorServer interface {
	GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
	GetMetadata(ctx context.Context, req *MetadataRequest) (*MetadataResponse, error)
	TearDown(ctx context.Context, req *TearDownRequest) (*TearDownResponse, error)
}

// Client talks to the stats collector over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
	pid    int
	gpuIDs []int
}

// ReadPortfile parses the collector's portfile, which holds a single
// `sock=<port>` or `unix=<path>` token, and returns a gRPC target.
func ReadPortfile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sysmon: read portfile: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(token, "sock="):
		return "localhost:" + strings.TrimPrefix(token, "sock="), nil
	case strings.HasPrefix(token, "unix="):
		return "unix:" + strings.TrimPrefix(token, "unix="), nil
	}
	return "", fmt.Errorf("sysmon: unrecognized portfile token %q", token)
}

// Dial connects to the collector found via the portfile at path.
func Dial(portfilePath string, logger *slog.Logger) (*Client, error) {
	target, err := ReadPortfile(portfilePath)
	if err != nil {
		return nil, err
	}
	return DialTarget(target, logger)
}

// DialTarget connects to an explicit gRPC target.
func DialTarget(target string, logger *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("sysmon: dial %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger, pid: os.Getpid()}, nil
}

// NewFromConn wraps an existing connection (tests use bufconn).
func NewFromConn(conn *grpc.ClientConn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger, pid: os.Getpid()}
}

// SetGpuDeviceIDs restricts stats collection to the given devices.
func (c *Client) SetGpuDeviceIDs(ids []int) { c.gpuIDs = ids }

// GetStats samples current hardware stats. Any RPC failure returns an empty
// map: telemetry loss must never break a Log call.
func (c *Client) GetStats(ctx context.Context) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	var resp StatsResponse
	err := c.conn.Invoke(ctx, methodGetStats, &StatsRequest{Pid: c.pid, GpuDeviceIDs: c.gpuIDs}, &resp)
	if err != nil {
		c.logger.Debug("sysmon: GetStats failed, returning empty stats", "error", err)
		return map[string]float64{}
	}
	out := make(map[string]float64, len(resp.Items))
	for _, item := range resp.Items {
		out[item.Key] = item.Value
	}
	return out
}

// GetMetadata fetches environment info. Failures return an empty map.
func (c *Client) GetMetadata(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	var resp MetadataResponse
	if err := c.conn.Invoke(ctx, methodGetMetadata, &MetadataRequest{}, &resp); err != nil {
		c.logger.Debug("sysmon: GetMetadata failed", "error", err)
		return map[string]string{}
	}
	if resp.Environment == nil {
		return map[string]string{}
	}
	return resp.Environment
}

// TearDown asks the collector to exit. The error is reported (the caller
// may be shutting down and want to log it) but the connection is usable
// for Close regardless.
func (c *Client) TearDown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	var resp TearDownResponse
	if err := c.conn.Invoke(ctx, methodTearDown, &TearDownRequest{}, &resp); err != nil {
		return fmt.Errorf("sysmon: teardown: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// ServiceDesc lets a Go implementation of MonitorServer be registered on a
// grpc.Server (tests, or a pure-Go collector). The server must be built
// with grpc.ForceServerCodec(JSONCodec{}).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tracklab.SystemMonitor",
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "GetMetadata", Handler: getMetadataHandler},
		{MethodName: "TearDown", Handler: tearDownHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(StatsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(MonitorServer).GetStats(ctx, req)
}

func getMetadataHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(MetadataRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(MonitorServer).GetMetadata(ctx, req)
}

func tearDownHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(TearDownRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(MonitorServer).TearDown(ctx, req)
}
