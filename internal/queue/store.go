/*
Robin Mail Server - Configurable SMTP/LMTP mail transfer agent.
Copyright © 2021-2024 Robin Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/transilvlad/robin-sub003/framework/log"
)

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("queue: store is closed")

const (
	opPush = "push"
	opPop  = "pop"

	// Records longer than this are treated as log corruption.
	maxRecordLen = 16 << 20

	// Dead records tolerated before the log is rewritten.
	compactThreshold = 128
)

// walRecord is one log entry: a pushed payload or the tombstone that
// consumes it.
type walRecord struct {
	Op   string          `json:"op"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

type storeEntry struct {
	seq  uint64
	data []byte
}

// Store is the append-only session log backing the retry queue. Every
// push and pop is a length-prefixed JSON record followed by fsync, so a
// crash costs at most the trailing partial record, which Open truncates
// away. Entries come back out in push order.
//
// Push may be called concurrently; Pop is meant for the single
// scheduler goroutine but is safe regardless.
type Store struct {
	path string
	dir  string

	Log log.Logger

	mu      sync.Mutex
	f       *os.File
	entries []storeEntry
	nextSeq uint64
	dead    int
}

// OpenStore opens or creates the log at path and replays it. The
// companion directory path+".d" for envelope files is created as well.
func OpenStore(path string, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	s := &Store{path: path, dir: dir, Log: logger, f: f}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	if s.dead > len(s.entries) && s.dead >= compactThreshold {
		if err := s.compact(); err != nil {
			s.Log.Error("log compaction failed", err)
		}
	}
	return s, nil
}

// FileDir is the directory owning the envelope files of queued
// sessions.
func (s *Store) FileDir() string {
	return s.dir
}

// replay rebuilds the live entry list from the log. A trailing record
// that cannot be read whole or decoded is assumed to be an interrupted
// write and is truncated away; corruption before that is an error.
func (s *Store) replay() error {
	r := bufio.NewReader(s.f)
	var (
		valid   int64
		lenBuf  [4]byte
		entries []storeEntry
		index   = map[uint64]int{}
	)
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return s.truncate(valid)
			}
			return fmt.Errorf("queue: replay: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxRecordLen {
			return s.truncate(valid)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return s.truncate(valid)
			}
			return fmt.Errorf("queue: replay: %w", err)
		}
		var rec walRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return s.truncate(valid)
		}

		switch rec.Op {
		case opPush:
			index[rec.Seq] = len(entries)
			entries = append(entries, storeEntry{seq: rec.Seq, data: rec.Data})
		case opPop:
			i, ok := index[rec.Seq]
			if ok {
				entries[i].data = nil
				delete(index, rec.Seq)
				s.dead += 2
			}
		default:
			return s.truncate(valid)
		}
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
		valid += 4 + int64(n)
	}

	s.entries = entries[:0]
	for _, e := range entries {
		if e.data != nil {
			s.entries = append(s.entries, e)
		}
	}
	if _, err := s.f.Seek(valid, io.SeekStart); err != nil {
		return fmt.Errorf("queue: replay: %w", err)
	}
	return nil
}

func (s *Store) truncate(valid int64) error {
	s.Log.Msg("truncating interrupted log record", "offset", valid)
	if err := s.f.Truncate(valid); err != nil {
		return fmt.Errorf("queue: truncate: %w", err)
	}
	if _, err := s.f.Seek(valid, io.SeekStart); err != nil {
		return fmt.Errorf("queue: truncate: %w", err)
	}
	return nil
}

// Push appends one payload and syncs it to disk before returning.
func (s *Store) Push(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrStoreClosed
	}

	seq := s.nextSeq
	if err := s.appendRecord(walRecord{Op: opPush, Seq: seq, Data: data}); err != nil {
		return err
	}
	s.nextSeq++
	s.entries = append(s.entries, storeEntry{seq: seq, data: append([]byte(nil), data...)})
	return nil
}

// Pop removes and returns the oldest payload, or nil when the store is
// empty. The removal is durable once Pop returns.
func (s *Store) Pop() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrStoreClosed
	}
	if len(s.entries) == 0 {
		return nil, nil
	}

	head := s.entries[0]
	if err := s.appendRecord(walRecord{Op: opPop, Seq: head.seq}); err != nil {
		return nil, err
	}
	s.entries = s.entries[1:]
	s.dead += 2

	if s.dead > len(s.entries) && s.dead >= compactThreshold {
		if err := s.compact(); err != nil {
			s.Log.Error("log compaction failed", err)
		}
	}
	return head.data, nil
}

// Snapshot returns copies of all live payloads in queue order.
func (s *Store) Snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, append([]byte(nil), e.data...))
	}
	return out
}

// Len is the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Store) appendRecord(rec walRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("queue: append: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("queue: sync: %w", err)
	}
	return nil
}

// compact rewrites the log with the live entries only. Called with the
// mutex held, or from OpenStore before the store is shared.
func (s *Store) compact() error {
	tmp, err := os.Create(s.path + ".new")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(s.path + ".new")
		}
	}()

	for _, e := range s.entries {
		payload, err := json.Marshal(walRecord{Op: opPush, Seq: e.seq, Data: e.data})
		if err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := tmp.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := tmp.Write(payload); err != nil {
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := os.Rename(s.path+".new", s.path); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		s.Log.Error("stale log handle close failed", err)
	}
	// The tmp handle now points at the renamed log and sits at its end,
	// so it simply becomes the live handle.
	s.f = tmp
	tmp = nil
	s.Log.Msg("log compacted", "live", len(s.entries), "dropped", s.dead)
	s.dead = 0
	return nil
}
