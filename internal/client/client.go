// Package client talks to the daemon over its unix socket.
package client

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/jovyan/nbgate/internal/config"
	"github.com/jovyan/nbgate/internal/protocol"
)

// DefaultSocketPath returns the default socket path
func DefaultSocketPath() string {
	return config.SocketPath()
}

// Client communicates with the daemon
type Client struct {
	socketPath string
}

// New creates a new client
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{socketPath: socketPath}
}

// send sends a message and receives a response
func (c *Client) send(msg interface{}) (*protocol.Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}

	if !resp.OK {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}

	return &resp, nil
}

// QueryRuntimes returns the daemon's tracked runtimes
func (c *Client) QueryRuntimes() ([]protocol.Runtime, error) {
	resp, err := c.send(protocol.QueryRuntimesMessage{Cmd: protocol.CmdQueryRuntimes})
	if err != nil {
		return nil, err
	}
	return resp.Runtimes, nil
}

// QueryConnections returns the daemon's proxied connections
func (c *Client) QueryConnections() ([]protocol.ConnectionInfo, error) {
	resp, err := c.send(protocol.QueryConnectionsMessage{Cmd: protocol.CmdQueryConnections})
	if err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// QueryEnvironments returns the environments runtimes can run in
func (c *Client) QueryEnvironments() ([]protocol.Environment, error) {
	resp, err := c.send(protocol.QueryEnvironmentsMessage{Cmd: protocol.CmdQueryEnvironments})
	if err != nil {
		return nil, err
	}
	return resp.Environments, nil
}

// CreateRuntime asks the daemon for a new runtime
func (c *Client) CreateRuntime(owner, environment, name string, minutes int) (*protocol.Runtime, error) {
	resp, err := c.send(protocol.CreateRuntimeMessage{
		Cmd:         protocol.CmdCreateRuntime,
		Owner:       owner,
		Environment: environment,
		Name:        name,
		Minutes:     minutes,
	})
	if err != nil {
		return nil, err
	}
	return resp.Runtime, nil
}

// TerminateRuntime tears down one runtime
func (c *Client) TerminateRuntime(uid string) error {
	_, err := c.send(protocol.TerminateRuntimeMessage{
		Cmd: protocol.CmdTerminateRuntime,
		UID: uid,
	})
	return err
}

// TerminateAll tears down every tracked runtime
func (c *Client) TerminateAll() error {
	_, err := c.send(protocol.TerminateAllMessage{Cmd: protocol.CmdTerminateAll})
	return err
}

// IsRunning checks if the daemon is running
func (c *Client) IsRunning() bool {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
