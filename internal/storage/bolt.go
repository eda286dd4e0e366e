package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	logx "dutybot/pkg/logx"
)

var (
	bucketOutbox   = []byte("outbox")
	bucketDelivery = []byte("delivery")
)

// boltStore keeps outbox records and the delivery log in a single bbolt file.
//
// bbolt buys us ACID single-file persistence without CGO; records are stored
// as JSON under their id, delivery entries under a monotonically increasing
// sequence key so "recent" is a reverse cursor walk.
type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
	cap int
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketOutbox); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDelivery)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &boltStore{db: db, log: log, cap: cfg.deliveryCap()}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) ListMessages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				// Treat a corrupt value as absent rather than failing the scan.
				s.log.Warn("skipping unreadable outbox value", logx.String("id", string(k)), logx.Err(err))
				return nil
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	var (
		m  Message
		ok bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketOutbox).Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return m, ok, err
}

func (s *boltStore) AddMessage(ctx context.Context, m Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		if b.Get([]byte(m.ID)) != nil {
			return errors.New("duplicate message id: " + m.ID)
		}
		v, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), v)
	})
}

func (s *boltStore) UpdateMessage(ctx context.Context, m Message) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		if b.Get([]byte(m.ID)) == nil {
			return nil
		}
		existed = true
		v, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), v)
	})
	return existed, err
}

func (s *boltStore) RemoveMessage(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		if b.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(id))
	})
	return existed, err
}

func (s *boltStore) ReplaceMessages(ctx context.Context, msgs []Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketOutbox); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketOutbox)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			v, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.ID), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDelivery)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		v, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), v); err != nil {
			return err
		}
		// Drop oldest entries beyond the cap. Keys are sequence numbers and we
		// only ever delete from the front, so the keyspace stays contiguous.
		c := b.Cursor()
		for {
			k, _ := c.First()
			if k == nil || len(k) != 8 {
				break
			}
			first := binary.BigEndian.Uint64(k)
			if seq-first+1 <= uint64(s.cap) {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryEntry, error) {
	if n <= 0 || n > s.cap {
		n = s.cap
	}
	var out []DeliveryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDelivery).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var e DeliveryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
