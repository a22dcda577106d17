// statestore.go - BoltDB backed tunnel state history.
// Copyright (C) 2017  Yawning Angel.
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

// Package statestore persists the public tunnel states emitted by the state
// machine in a boltdb database, so that the last state and a bounded
// transition history survive restarts.
package statestore

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/vpnd/core/worker"
	"github.com/katzenpost/vpnd/tunnel"
)

const (
	metadataBucket = "metadata"
	historyBucket  = "history"
	versionKey     = "version"

	dbVersion = 0
)

// ErrNoState is returned by Last when nothing was recorded yet.
var ErrNoState = errors.New("statestore: no state recorded")

// Record is a persisted state transition.
type Record struct {
	Seq   uint64
	Time  time.Time
	State tunnel.State
}

type record struct {
	Time  time.Time       `cbor:"time"`
	State cbor.RawMessage `cbor:"state"`
}

// Store is the state history database.
type Store struct {
	sync.Mutex
	worker.Worker

	log   *logging.Logger
	db    *bolt.DB
	limit int

	pending *channels.InfiniteChannel
	closed  bool
}

// New creates (or loads) a state database with the given file name f,
// retaining at most limit transitions.
func New(f string, limit int, log *logging.Logger) (*Store, error) {
	if limit <= 0 {
		return nil, errors.Newf("statestore: invalid history limit: %d", limit)
	}

	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "statestore: failed to open %v", f)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(historyBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return errors.Newf("statestore: incompatible version: %x", b)
			}
			return nil
		}

		// We created a new database, so populate the new `metadata` bucket.
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		db.Close()
		return nil, err
	}

	s := &Store{
		log:     log,
		db:      db,
		limit:   limit,
		pending: channels.NewInfiniteChannel(),
	}
	s.Go(s.writer)
	return s, nil
}

// OnState queues st for persistence.  It is a tunnel.Listener and never
// blocks the state machine.
func (s *Store) OnState(st tunnel.State) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return
	}
	s.pending.In() <- &Record{Time: time.Now(), State: st}
}

func (s *Store) writer() {
	out := s.pending.Out()
	for {
		var r *Record
		select {
		case <-s.HaltCh():
			// Drain whatever the state machine emitted on its way out.
			for s.pending.Len() > 0 {
				if err := s.put((<-out).(*Record)); err != nil {
					s.log.Errorf("Failed to persist state: %v", err)
				}
			}
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			r = v.(*Record)
		}
		if err := s.put(r); err != nil {
			s.log.Errorf("Failed to persist state %v: %v", r.State, err)
		}
	}
}

// Put synchronously records st.
func (s *Store) Put(st tunnel.State) error {
	return s.put(&Record{Time: time.Now(), State: st})
}

func (s *Store) put(r *Record) error {
	raw, err := tunnel.MarshalState(r.State)
	if err != nil {
		return err
	}
	b, err := cbor.Marshal(&record{Time: r.Time, State: raw})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(historyBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		if err = bkt.Put(seqKey(seq), b); err != nil {
			return err
		}

		// Trim the history to the newest limit records.
		if seq <= uint64(s.limit) {
			return nil
		}
		floor := seq - uint64(s.limit)
		var stale [][]byte
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= floor; k, _ = c.Next() {
			stale = append(stale, bytes.Clone(k))
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the most recently recorded state.
func (s *Store) Last() (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket([]byte(historyBucket)).Cursor().Last()
		if k == nil {
			return ErrNoState
		}
		var err error
		r, err = decodeRecord(k, v)
		return err
	})
	return r, err
}

// History returns up to n of the newest records, oldest first.  A
// non-positive n returns everything retained.
func (s *Store) History(n int) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(records) == n {
				break
			}
			r, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close flushes queued states and closes the database.
func (s *Store) Close() {
	s.Lock()
	s.closed = true
	s.Unlock()

	s.Halt()
	s.pending.Close()
	s.db.Sync()
	s.db.Close()
}

func decodeRecord(k, v []byte) (*Record, error) {
	var raw record
	if err := cbor.Unmarshal(v, &raw); err != nil {
		return nil, errors.Wrap(err, "statestore: corrupt record")
	}
	st, err := tunnel.UnmarshalState(raw.State)
	if err != nil {
		return nil, err
	}
	return &Record{
		Seq:   binary.BigEndian.Uint64(k),
		Time:  raw.Time,
		State: st,
	}, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
