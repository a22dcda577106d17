// server.go - vpnd control socket server.
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
	"io"
	"net"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/core/worker"
	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"
)

// Machine is the state machine surface exposed over the socket.
type Machine interface {
	Connect() error
	Disconnect() error
	SetTunnelSettings(tunnel.Settings) error
	CurrentState() tunnel.State
}

// History is the transition history exposed over the socket.
type History interface {
	History(n int) ([]*statestore.Record, error)
}

// Server accepts control connections on a unix socket.
type Server struct {
	worker.Worker
	sync.Mutex

	log      *logging.Logger
	machine  Machine
	history  History
	path     string
	listener net.Listener

	conns       map[net.Conn]struct{}
	subscribers map[*channels.InfiniteChannel]struct{}
	closed      bool
}

// New listens on the unix socket path.  A stale socket file is replaced.
// history may be nil, in which case history requests fail.
func New(path string, machine Machine, history History, log *logging.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "control: failed to remove stale socket %v", path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "control: listen")
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, err
	}

	s := &Server{
		log:         log,
		machine:     machine,
		history:     history,
		path:        path,
		listener:    l,
		conns:       make(map[net.Conn]struct{}),
		subscribers: make(map[*channels.InfiniteChannel]struct{}),
	}
	log.Debugf("listening to unix domain socket file: %s", path)
	s.Go(s.acceptLoop)
	return s, nil
}

// OnState forwards st to every watcher.  It is a tunnel.Listener.
func (s *Server) OnState(st tunnel.State) {
	s.Lock()
	defer s.Unlock()
	for sub := range s.subscribers {
		sub.In() <- st
	}
}

// Close stops accepting, drops every connection and removes the socket.
func (s *Server) Close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.Unlock()

	s.Halt()
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
			default:
				s.log.Errorf("accept error: %v", err)
			}
			return
		}

		s.Lock()
		if s.closed {
			s.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.Unlock()

		s.Go(func() {
			s.handleConn(conn)
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.Lock()
		delete(s.conns, conn)
		s.Unlock()
		conn.Close()
	}()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debugf("Dropping control connection: %v", err)
			}
			return
		}
		s.log.Debugf("Control request: %v", req.Op)

		if req.Op == OpWatch {
			s.watch(conn)
			return
		}
		if err := writeFrame(conn, s.dispatch(&req)); err != nil {
			s.log.Debugf("Failed to write control response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	var err error
	switch req.Op {
	case OpConnect:
		err = s.machine.Connect()
	case OpDisconnect:
		err = s.machine.Disconnect()
	case OpSetSettings:
		if req.Settings == nil {
			return &Response{Error: "set_settings: no settings"}
		}
		err = s.machine.SetTunnelSettings(*req.Settings)
	case OpStatus:
		resp, err := stateResponse(s.machine.CurrentState(), false)
		if err != nil {
			return &Response{Error: err.Error()}
		}
		return resp
	case OpHistory:
		return s.historyResponse(req.Limit)
	default:
		return &Response{Error: "unknown op: " + req.Op}
	}
	if err != nil {
		return &Response{Error: err.Error()}
	}
	return &Response{}
}

func (s *Server) historyResponse(limit int) *Response {
	if s.history == nil {
		return &Response{Error: "history: not available"}
	}
	records, err := s.history.History(limit)
	if err != nil {
		return &Response{Error: err.Error()}
	}
	resp := &Response{History: make([]HistoryEntry, 0, len(records))}
	for _, r := range records {
		b, err := tunnel.MarshalState(r.State)
		if err != nil {
			return &Response{Error: err.Error()}
		}
		resp.History = append(resp.History, HistoryEntry{Seq: r.Seq, Time: r.Time, State: b})
	}
	return resp
}

// watch streams the current state followed by every emitted state until the
// client goes away or the server closes.
func (s *Server) watch(conn net.Conn) {
	sub := channels.NewInfiniteChannel()
	s.Lock()
	s.subscribers[sub] = struct{}{}
	s.Unlock()
	defer func() {
		s.Lock()
		delete(s.subscribers, sub)
		s.Unlock()
		sub.Close()
	}()

	// The client sends nothing more, so a read returning means it is gone.
	gone := make(chan struct{})
	go func() {
		var b [1]byte
		conn.Read(b[:])
		close(gone)
	}()

	send := func(st tunnel.State) bool {
		resp, err := stateResponse(st, true)
		if err == nil {
			err = writeFrame(conn, resp)
		}
		if err != nil {
			s.log.Debugf("Dropping watcher: %v", err)
			return false
		}
		return true
	}

	if !send(s.machine.CurrentState()) {
		return
	}
	for {
		select {
		case <-s.HaltCh():
			return
		case <-gone:
			return
		case v := <-sub.Out():
			if !send(v.(tunnel.State)) {
				return
			}
		}
	}
}
