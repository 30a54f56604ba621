package store

import (
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// Record is a single persisted queue entry: a module-produced message plus
// the channel-assigned sequence number and its on-disk size.
type Record struct {
	Sequence   uint64          `json:"sequence"`
	Module     string          `json:"module"`
	ModuleType string          `json:"module_type"`
	Metadata   string          `json:"metadata"`
	Payload    json.RawMessage `json:"payload"`
	Size       int             `json:"-"`
}

// StoreMessage appends payload to channel under module/moduleType/metadata
// and returns the newly assigned, strictly increasing sequence number.
func (s *Store) StoreMessage(channel Channel, payload json.RawMessage, module, moduleType, metadata string) (uint64, int, error) {
	var seq uint64
	var size int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channel.bucket())
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = n

		rec := Record{
			Sequence:   seq,
			Module:     module,
			ModuleType: moduleType,
			Metadata:   metadata,
			Payload:    payload,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		size = len(data)
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, 0, wrapErr("store message", err)
	}
	return seq, size, nil
}

// RetrieveMultiple returns an ordered (FIFO), contiguous prefix of channel,
// bounded by maxCount entries and maxBytes total persisted size. Either
// bound may be zero/negative to mean "no limit" on that dimension.
func (s *Store) RetrieveMultiple(channel Channel, maxCount int, maxBytes int64) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channel.bucket())
		c := b.Cursor()

		var total int64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if maxCount > 0 && len(out) >= maxCount {
				break
			}
			if maxBytes > 0 && len(out) > 0 && total+int64(len(v)) > maxBytes {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip corrupt row rather than fail the whole batch
			}
			rec.Size = len(v)
			out = append(out, rec)
			total += int64(len(v))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("retrieve multiple", err)
	}
	return out, nil
}

// Remove deletes every entry in channel whose sequence is <= uptoSeq.
func (s *Store) Remove(channel Channel, uptoSeq uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(channel.bucket())
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > uptoSeq {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapErr("remove", err)
}

// Count returns the number of entries currently persisted in channel.
func (s *Store) Count(channel Channel) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(channel.bucket()).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, wrapErr("count", err)
	}
	return n, nil
}

// Bytes returns the total persisted size in bytes of all entries in channel.
func (s *Store) Bytes(channel Channel) (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(channel.bucket())
		return b.ForEach(func(_, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, wrapErr("bytes", err)
	}
	return total, nil
}

// seqKey renders a sequence number as a big-endian fixed-width key so bbolt's
// natural byte-lexicographic cursor order matches numeric order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
