// protocol.go - vpnd control protocol.
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

// Package control implements the vpnd unix socket control protocol: cbor
// requests and responses, each prefixed by a 4 byte big endian length.
package control

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/vpnd/statestore"
	"github.com/katzenpost/vpnd/tunnel"
)

// Request operations.
const (
	OpConnect     = "connect"
	OpDisconnect  = "disconnect"
	OpSetSettings = "set_settings"
	OpStatus      = "status"
	OpHistory     = "history"
	OpWatch       = "watch"
)

const maxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames over the size limit.
var ErrFrameTooLarge = errors.New("control: frame too large")

// Request is a client request.
type Request struct {
	Op       string           `cbor:"op"`
	Settings *tunnel.Settings `cbor:"settings,omitempty"`

	// Limit bounds the history length, zero is everything retained.
	Limit int `cbor:"limit,omitempty"`
}

// HistoryEntry is a recorded transition.
type HistoryEntry struct {
	Seq   uint64          `cbor:"seq"`
	Time  time.Time       `cbor:"time"`
	State cbor.RawMessage `cbor:"state"`
}

// Response is the reply to a Request.  Watch replies are a stream of
// Responses with Event set.
type Response struct {
	State   cbor.RawMessage `cbor:"state,omitempty"`
	History []HistoryEntry  `cbor:"history,omitempty"`
	Error   string          `cbor:"error,omitempty"`
	Event   bool            `cbor:"event,omitempty"`
}

// DecodeState returns the State carried by r.
func (r *Response) DecodeState() (tunnel.State, error) {
	if len(r.State) == 0 {
		return nil, errors.New("control: response carries no state")
	}
	return tunnel.UnmarshalState(r.State)
}

// DecodeHistory returns the transitions carried by r.
func (r *Response) DecodeHistory() ([]*statestore.Record, error) {
	records := make([]*statestore.Record, 0, len(r.History))
	for _, e := range r.History {
		s, err := tunnel.UnmarshalState(e.State)
		if err != nil {
			return nil, err
		}
		records = append(records, &statestore.Record{Seq: e.Seq, Time: e.Time, State: s})
	}
	return records, nil
}

func stateResponse(s tunnel.State, event bool) (*Response, error) {
	b, err := tunnel.MarshalState(s)
	if err != nil {
		return nil, err
	}
	return &Response{State: b, Event: event}, nil
}

func readFrame(r io.Reader, v interface{}) error {
	var rawLen [4]byte
	if _, err := io.ReadFull(r, rawLen[:]); err != nil {
		return err
	}
	frameLen := binary.BigEndian.Uint32(rawLen[:])
	if frameLen > maxFrameSize {
		return ErrFrameTooLarge
	}

	raw := make([]byte, frameLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return err
	}
	return cbor.Unmarshal(raw, v)
}

func writeFrame(w io.Writer, v interface{}) error {
	serialized, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(serialized) > maxFrameSize {
		return ErrFrameTooLarge
	}

	output := make([]byte, 4, len(serialized)+4)
	binary.BigEndian.PutUint32(output, uint32(len(serialized)))
	output = append(output, serialized...)
	_, err = w.Write(output)
	return err
}
