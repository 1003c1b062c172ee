package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
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

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Parcel.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply submits a full desired expectation and container set.
func (c *Client) Apply(req ApplyRequest) (*ApplyResponse, error) {
	var resp ApplyResponse
	if err := c.client.Call("Parcel.Apply", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExpectationList returns tracked expectations, optionally filtered by state.
func (c *Client) ExpectationList(states []string) (*ExpectationListResponse, error) {
	var resp ExpectationListResponse
	if err := c.client.Call("Parcel.ExpectationList", ExpectationListRequest{States: states}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExpectationDescribe returns one tracked expectation.
func (c *Client) ExpectationDescribe(id string) (*ExpectationDescribeResponse, error) {
	var resp ExpectationDescribeResponse
	if err := c.client.Call("Parcel.ExpectationDescribe", ExpectationDescribeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort aborts one expectation.
func (c *Client) Abort(id string) (*AbortResponse, error) {
	var resp AbortResponse
	if err := c.client.Call("Parcel.Abort", AbortRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Restart restarts one expectation.
func (c *Client) Restart(id string) (*RestartResponse, error) {
	var resp RestartResponse
	if err := c.client.Call("Parcel.Restart", RestartRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WorkerList returns the connected workers.
func (c *Client) WorkerList() (*WorkerListResponse, error) {
	var resp WorkerListResponse
	if err := c.client.Call("Parcel.WorkerList", WorkerListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JournalTail returns recent journal entries.
func (c *Client) JournalTail(req JournalTailRequest) (*JournalTailResponse, error) {
	var resp JournalTailResponse
	if err := c.client.Call("Parcel.JournalTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
