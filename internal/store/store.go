// Package store provides durable local persistence for the agent: the three
// message queue channels, the command lifecycle log, and the agent's
// identity record. It is a thin wrapper over BoltDB (go.etcd.io/bbolt),
// following the bucket-per-concern layout the rest of the retrieved corpus
// uses for embedded key/value storage.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Channel identifies one of the three disjoint message queue channels.
type Channel string

const (
	ChannelStateless Channel = "stateless"
	ChannelStateful  Channel = "stateful"
	ChannelCommand   Channel = "command"
)

func (c Channel) bucket() []byte {
	switch c {
	case ChannelStateless:
		return bucketQueueStateless
	case ChannelStateful:
		return bucketQueueStateful
	case ChannelCommand:
		return bucketQueueCommand
	default:
		return nil
	}
}

var (
	bucketQueueStateless = []byte("queue_stateless")
	bucketQueueStateful  = []byte("queue_stateful")
	bucketQueueCommand   = []byte("queue_command")
	bucketCommandStore   = []byte("command_store")
	bucketAgentInfo      = []byte("agent_info")
)

var allBuckets = [][]byte{
	bucketQueueStateless,
	bucketQueueStateful,
	bucketQueueCommand,
	bucketCommandStore,
	bucketAgentInfo,
}

// Kind classifies a storage failure the way callers need to react to it.
type Kind int

const (
	// KindCorrupt means the database file failed its integrity checks.
	KindCorrupt Kind = iota
	// KindFull means a write could not be completed because the
	// underlying medium has no space left.
	KindFull
	// KindUnavailable means the database could not be opened or is
	// temporarily inaccessible (e.g. locked by another process).
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindCorrupt:
		return "corrupt"
	case KindFull:
		return "full"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged storage error. Use errors.Is against the package's
// sentinel values (ErrCorrupt, ErrFull, ErrUnavailable) to classify it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind alone so callers can write errors.Is(err, store.ErrFull)
// regardless of the wrapped operation or underlying cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrCorrupt     = &Error{Kind: KindCorrupt}
	ErrFull        = &Error{Kind: KindFull}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	if errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrVersionMismatch) {
		return &Error{Kind: KindCorrupt, Op: op, Err: err}
	}
	var resizeErr interface{ Error() string }
	_ = resizeErr
	// bbolt surfaces "mmap too large", "database is in read-only mode" and
	// filesystem ENOSPC as plain *fs.PathError / errno wrapped errors; no
	// space left on device is the one capacity failure we can observe
	// reliably, so we treat it specially.
	if isNoSpace(err) {
		return &Error{Kind: KindFull, Op: op, Err: err}
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// Store wraps a BoltDB database for agent persistence.
type Store struct {
	db          *bolt.DB
	localSecret []byte
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist. bbolt has no write-ahead log: each commit writes
// copy-on-write pages and fsyncs them.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, wrapErr("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, wrapErr("create buckets", err)
	}

	secret, err := loadOrCreateLocalSecret(path + ".keyseed")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{db: db, localSecret: secret}, nil
}

// loadOrCreateLocalSecret reads the local key-derivation seed from a file
// next to the database, creating it with restrictive permissions on first
// run. Keeping this secret outside the BoltDB file means a copy of the
// database alone is not enough to decrypt the agent identity's key field.
func loadOrCreateLocalSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return data, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate local secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("write local secret: %w", err)
	}
	return secret, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
