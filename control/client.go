// client.go - vpnd control socket client.
// Copyright (C) 2021  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package control

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"
)

// Client talks to a vpnd control socket.
type Client struct {
	sync.Mutex

	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "control: failed to dial %v", path)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) do(req *Request) (*Response, error) {
	c.Lock()
	defer c.Unlock()

	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	resp := new(Response)
	if err := readFrame(c.conn, resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Newf("vpnd: %s", resp.Error)
	}
	return resp, nil
}

// Connect asks vpnd to connect.
func (c *Client) Connect() error {
	_, err := c.do(&Request{Op: OpConnect})
	return err
}

// Disconnect asks vpnd to disconnect.
func (c *Client) Disconnect() error {
	_, err := c.do(&Request{Op: OpDisconnect})
	return err
}

// SetTunnelSettings replaces the tunnel settings.
func (c *Client) SetTunnelSettings(s tunnel.Settings) error {
	_, err := c.do(&Request{Op: OpSetSettings, Settings: &s})
	return err
}

// Status returns the current state.
func (c *Client) Status() (tunnel.State, error) {
	resp, err := c.do(&Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.DecodeState()
}

// History returns up to limit of the newest transitions, oldest first.
func (c *Client) History(limit int) ([]*statestore.Record, error) {
	resp, err := c.do(&Request{Op: OpHistory, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.DecodeHistory()
}

// Watch calls fn with the current state and then every emitted state, until
// ctx is done, fn returns an error or the server goes away.  The connection
// is dedicated to the watch afterwards.
func (c *Client) Watch(ctx context.Context, fn func(tunnel.State) error) error {
	c.Lock()
	defer c.Unlock()

	if err := writeFrame(c.conn, &Request{Op: OpWatch}); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.Close()
	})
	defer stop()

	for {
		resp := new(Response)
		if err := readFrame(c.conn, resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if resp.Error != "" {
			return errors.Newf("vpnd: %s", resp.Error)
		}
		s, err := resp.DecodeState()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
}
