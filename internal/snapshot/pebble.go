package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/pelusa-v/roomsync/internal/doc"
	"github.com/pelusa-v/roomsync/internal/logger"
)

const roomPrefix = "room/"

// record is the stored form of one room's replica.
type record struct {
	Room      string `cbor:"room"`
	UpdatedAt int64  `cbor:"updatedAt"`
	Document  any    `cbor:"document"`
}

// Store persists room documents in pebble. Writes are best effort: the
// replicas are the state, this only lets a restarted hub greet joiners with
// the last known document.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", dir, err)
	}
	logger.Info("snapshot_store_opened", "path", dir)
	return &Store{db: db}, nil
}

// OpenInMemory returns a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func roomKey(room string) []byte {
	return []byte(roomPrefix + room)
}

func (s *Store) Save(room string, document doc.Map) error {
	b, err := marshal(record{Room: room, UpdatedAt: time.Now().UnixMilli(), Document: doc.ToAny(document)})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", room, err)
	}
	return s.db.Set(roomKey(room), b, pebble.NoSync)
}

// Load returns the stored document for room and whether one existed.
func (s *Store) Load(room string) (doc.Map, bool, error) {
	val, closer, err := s.db.Get(roomKey(room))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	rec, err := decodeRecord(val)
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot %s: %w", room, err)
	}
	if rec.Document == nil {
		return doc.Map{}, true, nil
	}
	v, err := doc.FromAny(rec.Document, false)
	if err != nil {
		return nil, false, err
	}
	m, ok := v.(doc.Map)
	if !ok {
		return nil, false, doc.ErrNotObject
	}
	return m, true, nil
}

func decodeRecord(val []byte) (record, error) {
	var rec record
	// pebble owns val until closer.Close
	err := unmarshal(bytes.Clone(val), &rec)
	return rec, err
}

// Rooms lists the rooms that have a stored snapshot, in key order.
func (s *Store) Rooms() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(roomPrefix),
		UpperBound: []byte("room0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(bytes.TrimPrefix(iter.Key(), []byte(roomPrefix))))
	}
	return out, iter.Error()
}

// Flush forces buffered writes to disk. Save does not sync, so callers flush
// before Close on shutdown.
func (s *Store) Flush() error {
	return s.db.Flush()
}

func (s *Store) Close() error {
	return s.db.Close()
}
