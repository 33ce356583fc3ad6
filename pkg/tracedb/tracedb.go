// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

// Package tracedb indexes recorded packet streams for random access by
// packet id and by call kind.
package tracedb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/packet"
)

var (
	// bucketPackets maps id -> frame.
	bucketPackets = []byte("packets")
	// bucketKinds maps kind|id -> nothing.
	bucketKinds = []byte("kinds")
	// bucketDigests maps id -> blake3 digest of the frame.
	bucketDigests = []byte("digests")
	// bucketMeta holds the stream digest and the packet count.
	bucketMeta = []byte("meta")

	keyStreamDigest = []byte("stream_digest")
	keyCount        = []byte("count")
)

var (
	ErrNotFound  = errors.New("packet not found")
	ErrDuplicate = errors.New("duplicate packet id")
	ErrCorrupt   = errors.New("packet digest mismatch")
)

const (
	// DefaultCacheSize is the number of decoded packets kept in memory.
	DefaultCacheSize = 1024
	importBatch      = 256
)

// DB is a packet index stored in a bbolt file.
type DB struct {
	db    *bolt.DB
	cache *lru.Cache[uint64, *packet.Packet]
	log   logger.FieldLogger
}

// Open opens or creates the index at path.
func Open(path string, cacheSize int) (*DB, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPackets, bucketKinds, bucketDigests, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	cache, err := lru.New[uint64, *packet.Packet](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, cache: cache, log: logger.GetLogger()}, nil
}

// Close closes the index file.
func (d *DB) Close() error {
	return d.db.Close()
}

func idKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func kindKey(kind uint32, id uint64) []byte {
	k := binary.BigEndian.AppendUint32(nil, kind)
	return binary.BigEndian.AppendUint64(k, id)
}

// Digest returns the digest of a frame.
func Digest(frame []byte) [32]byte {
	return blake3.Sum256(frame)
}

// Import adds every packet of src to the index and returns how many were
// added. The stream digest covers all frames imported so far, in order.
func (d *DB) Import(ctx context.Context, src packet.Source) (int, error) {
	h := blake3.New()
	var count uint64
	err := d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyCount); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		// chain the previous stream digest
		if v := meta.Get(keyStreamDigest); v != nil {
			h.Write(v)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n := 0
	batch := make([]*packet.Packet, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := d.db.Update(func(tx *bolt.Tx) error {
			packets := tx.Bucket(bucketPackets)
			kinds := tx.Bucket(bucketKinds)
			digests := tx.Bucket(bucketDigests)
			for _, p := range batch {
				key := idKey(p.ID)
				if packets.Get(key) != nil {
					return fmt.Errorf("%d: %w", p.ID, ErrDuplicate)
				}
				frame, err := p.MarshalBinary()
				if err != nil {
					return err
				}
				sum := Digest(frame)
				h.Write(frame)
				if err := packets.Put(key, frame); err != nil {
					return err
				}
				if err := kinds.Put(kindKey(p.Kind, p.ID), nil); err != nil {
					return err
				}
				if err := digests.Put(key, sum[:]); err != nil {
					return err
				}
			}
			count += uint64(len(batch))
			meta := tx.Bucket(bucketMeta)
			if err := meta.Put(keyCount, binary.BigEndian.AppendUint64(nil, count)); err != nil {
				return err
			}
			return meta.Put(keyStreamDigest, h.Sum(nil))
		})
		if err != nil {
			return err
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		batch = append(batch, p)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := flush(); err != nil {
		return n, err
	}
	d.log.Info("Imported packets", "packets", n, "total", count)
	return n, nil
}

// Get returns the packet with the given id.
func (d *DB) Get(id uint64) (*packet.Packet, error) {
	if p, ok := d.cache.Get(id); ok {
		return p, nil
	}
	var p packet.Packet
	err := d.db.View(func(tx *bolt.Tx) error {
		frame := tx.Bucket(bucketPackets).Get(idKey(id))
		if frame == nil {
			return fmt.Errorf("%d: %w", id, ErrNotFound)
		}
		return p.UnmarshalBinary(frame)
	})
	if err != nil {
		return nil, err
	}
	d.cache.Add(id, &p)
	return &p, nil
}

// Len returns the number of indexed packets.
func (d *DB) Len() (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPackets).Stats().KeyN
		return nil
	})
	return n, err
}

// IDs returns the ids of the packets of a kind, in increasing order.
func (d *DB) IDs(kind uint32) ([]uint64, error) {
	var ids []uint64
	prefix := binary.BigEndian.AppendUint32(nil, kind)
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKinds).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, binary.BigEndian.Uint64(k[4:]))
		}
		return nil
	})
	return ids, err
}

// KindCount is the number of packets of a call kind.
type KindCount struct {
	Kind  uint32
	Count int
}

// KindCounts returns the number of packets per kind, by kind.
func (d *DB) KindCounts() ([]KindCount, error) {
	counts := make(map[uint32]int)
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKinds).ForEach(func(k, _ []byte) error {
			counts[binary.BigEndian.Uint32(k)]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]KindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, KindCount{Kind: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// StreamDigest returns the digest of all imported frames.
func (d *DB) StreamDigest() ([]byte, error) {
	var sum []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		sum = bytes.Clone(tx.Bucket(bucketMeta).Get(keyStreamDigest))
		return nil
	})
	return sum, err
}

// Verify checks every stored frame against its digest.
func (d *DB) Verify() error {
	return d.db.View(func(tx *bolt.Tx) error {
		digests := tx.Bucket(bucketDigests)
		return tx.Bucket(bucketPackets).ForEach(func(k, frame []byte) error {
			sum := Digest(frame)
			if !bytes.Equal(sum[:], digests.Get(k)) {
				return fmt.Errorf("%d: %w", binary.BigEndian.Uint64(k), ErrCorrupt)
			}
			return nil
		})
	})
}
