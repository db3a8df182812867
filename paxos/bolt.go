package paxos

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var slotBucket = []byte("paxos_slots")

func openBolt(dbPath string) (db *bolt.DB, err error) {
	o := *bolt.DefaultOptions
	o.FreelistType = bolt.FreelistArrayType
	return bolt.Open(dbPath, 0600, &o)
}

// BoltPersister keeps one key per slot: the big-endian index,
// so a cursor walks slots in log order.
type BoltPersister struct {
	path string
	db   *bolt.DB
}

func NewBoltPersister(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(slotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltPersister{path: path, db: db}, nil
}

func slotKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}

func (p *BoltPersister) SaveSlot(index uint64, st PaxosState) error {
	val, err := st.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(slotBucket).Put(slotKey(index), val)
	})
}

func (p *BoltPersister) LoadSlots() (map[uint64]PaxosState, error) {
	slots := make(map[uint64]PaxosState)
	err := p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(slotBucket).ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: bolt slot key of length %v in '%v'", ErrDecode, len(k), p.path)
			}
			var st PaxosState
			if _, err := st.UnmarshalMsg(v); err != nil {
				return fmt.Errorf("%w: bolt slot %v in '%v': %v", ErrDecode, binary.BigEndian.Uint64(k), p.path, err)
			}
			slots[binary.BigEndian.Uint64(k)] = st
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
