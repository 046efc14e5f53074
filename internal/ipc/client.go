package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"genrelay/internal/messages"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(ServiceName+"."+method, req, resp)
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.call("Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dispatch injects msg into the daemon.
func (c *Client) Dispatch(msg messages.Message) (*DispatchResponse, error) {
	var resp DispatchResponse
	if err := c.call("Dispatch", DispatchRequest{Message: msg}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns tracked jobs optionally filtered by statuses.
func (c *Client) ListJobs(statuses []string) (*JobListResponse, error) {
	var resp JobListResponse
	if err := c.call("ListJobs", JobListRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PausedJobs returns the saved paused jobs.
func (c *Client) PausedJobs() (*PausedJobsResponse, error) {
	var resp PausedJobsResponse
	if err := c.call("PausedJobs", PausedJobsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NetworkStatus returns the connectivity monitor state.
func (c *Client) NetworkStatus() (*NetworkStatusResponse, error) {
	var resp NetworkStatusResponse
	if err := c.call("NetworkStatus", NetworkStatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call("TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Preflight runs environment checks inside the daemon.
func (c *Client) Preflight(skipNetwork bool) (*PreflightResponse, error) {
	var resp PreflightResponse
	if err := c.call("Preflight", PreflightRequest{SkipNetwork: skipNetwork}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
