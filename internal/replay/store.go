package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
)

var replaysBucket = []byte("replays")

var ErrNotFound = errors.New("replay: not found")

// Store persists recordings in a bolt database.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(replaysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create replay bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// Save writes r under its session id, replacing any earlier recording.
func (s *Store) Save(r *Replay) error {
	val, err := encodeValue(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(replaysBucket).Put(r.Header.SessionID[:], val)
	})
}

// Load reads the recording for a session.
func (s *Store) Load(id uuid.UUID) (*Replay, error) {
	var r *Replay
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(replaysBucket).Get(id[:])
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var err error
		r, err = decodeValue(val, true)
		return err
	})
	return r, err
}

// List returns every stored header, newest first.
func (s *Store) List() ([]Header, error) {
	var out []Header
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(replaysBucket).ForEach(func(_, v []byte) error {
			r, err := decodeValue(v, false)
			if err != nil {
				return err
			}
			out = append(out, r.Header)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, err
}

// Delete removes a recording. Deleting a missing one is not an error.
func (s *Store) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(replaysBucket).Delete(id[:])
	})
}

// value layout: u32 header length | header JSON | lz4 stream
func encodeValue(r *Replay) ([]byte, error) {
	hdr, err := json.Marshal(r.Header)
	if err != nil {
		return nil, fmt.Errorf("encode replay header: %w", err)
	}
	val := make([]byte, 4+len(hdr)+len(r.Stream))
	binary.BigEndian.PutUint32(val, uint32(len(hdr)))
	copy(val[4:], hdr)
	copy(val[4+len(hdr):], r.Stream)
	return val, nil
}

// decodeValue copies out of v, which bolt only keeps valid inside the
// transaction.
func decodeValue(v []byte, withStream bool) (*Replay, error) {
	if len(v) < 4 {
		return nil, fmt.Errorf("%w: %d byte value", ErrCorrupt, len(v))
	}
	n := int(binary.BigEndian.Uint32(v))
	if n > len(v)-4 {
		return nil, fmt.Errorf("%w: header length %d", ErrCorrupt, n)
	}

	r := &Replay{}
	if err := json.Unmarshal(v[4:4+n], &r.Header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if withStream {
		r.Stream = append([]byte(nil), v[4+n:]...)
	}
	return r, nil
}
