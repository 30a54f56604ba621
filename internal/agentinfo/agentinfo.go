// Package agentinfo wraps the agent's persisted identity (name, UUID, key,
// groups) over internal/store, adding the validation and fingerprinting the
// raw store layer leaves to its caller.
package agentinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{32}$`)

// ErrInvalidKey is returned when a key fails the 32-character alphanumeric
// format the manager issues.
var ErrInvalidKey = errors.New("agentinfo: key must be 32 alphanumeric characters")

// Info is the agent's persisted identity.
type Info struct {
	Name   string
	UUID   string
	Key    string
	Groups []string
}

func (i Info) fingerprint() string {
	sum := sha256.Sum256([]byte(i.Name + i.UUID))
	return hex.EncodeToString(sum[:])
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Store persists and loads agent identity, backed by a store.Store.
type Store struct {
	s   *store.Store
	log *slog.Logger
}

// New wraps s. log is used to report fingerprint mismatches on Load, which
// are logged, not fatal.
func New(s *store.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{s: s, log: log}
}

// NewUUID generates a local placeholder UUID for use before the manager has
// assigned one (the CSR-less registration flow submits this value and
// persists whatever the manager echoes back).
func NewUUID() string {
	return uuid.NewString()
}

// Save validates and persists info, replacing whatever identity exists.
func (a *Store) Save(info Info) error {
	if err := validateKey(info.Key); err != nil {
		return err
	}
	return a.s.SaveAgentIdentity(store.AgentIdentity{
		Name:        info.Name,
		UUID:        info.UUID,
		Key:         info.Key,
		Fingerprint: info.fingerprint(),
		Groups:      info.Groups,
	})
}

// Load reads the persisted identity. The returned ok is false if no identity
// has been saved yet. A fingerprint mismatch (identity tampered with outside
// of Save) is logged but does not fail the load.
func (a *Store) Load() (Info, bool, error) {
	rec, ok, err := a.s.LoadAgentIdentity()
	if err != nil || !ok {
		return Info{}, false, err
	}
	info := Info{Name: rec.Name, UUID: rec.UUID, Key: rec.Key, Groups: rec.Groups}
	if want := info.fingerprint(); want != rec.Fingerprint {
		a.log.Warn("agent identity fingerprint mismatch", "expected", want, "stored", rec.Fingerprint)
	}
	return info, true, nil
}

// Reset discards the persisted identity so the agent re-enrolls on next
// start.
func (a *Store) Reset() error {
	return a.s.ResetAgentIdentity()
}

func (i Info) String() string {
	return fmt.Sprintf("Info{Name:%s UUID:%s Groups:%v}", i.Name, i.UUID, i.Groups)
}
