package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const minSecretBytes = 32

// Key is one HMAC signing secret and the instant it becomes the signer.
type Key struct {
	ID        string
	Secret    []byte
	ValidFrom time.Time
}

// KeySet holds signing keys ordered newest first. It is immutable once built.
//
// The newest key whose ValidFrom has passed signs new tokens. A superseded key
// still verifies tokens until grace has elapsed past its successor's ValidFrom.
type KeySet struct {
	keys  []Key
	grace time.Duration
}

// NewKeySet validates and orders keys.
func NewKeySet(grace time.Duration, keys ...Key) (*KeySet, error) {
	if len(keys) == 0 {
		return nil, errors.New("auth: at least one signing key is required")
	}
	if grace < 0 {
		return nil, errors.New("auth: key grace must not be negative")
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimSpace(k.ID)
		if id == "" {
			return nil, errors.New("auth: signing key id is required")
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("auth: duplicate signing key %q", id)
		}
		seen[id] = struct{}{}
		if len(k.Secret) < minSecretBytes {
			return nil, fmt.Errorf("auth: signing key %q must be at least %d bytes", id, minSecretBytes)
		}
		out = append(out, Key{ID: id, Secret: slices.Clone(k.Secret), ValidFrom: k.ValidFrom.UTC()})
	}
	slices.SortStableFunc(out, func(a, b Key) int { return b.ValidFrom.Compare(a.ValidFrom) })
	return &KeySet{keys: out, grace: grace}, nil
}

func (ks *KeySet) signing(now time.Time) (Key, error) {
	for _, k := range ks.keys {
		if !k.ValidFrom.After(now) {
			return k, nil
		}
	}
	return Key{}, fmt.Errorf("auth: no signing key valid at %s", now.Format(time.RFC3339))
}

// verifying returns the keys accepted at now, newest first.
func (ks *KeySet) verifying(now time.Time) []Key {
	var out []Key
	var successor *Key
	for i := range ks.keys {
		k := ks.keys[i]
		if k.ValidFrom.After(now) {
			continue
		}
		if successor != nil && !now.Before(successor.ValidFrom.Add(ks.grace)) {
			break
		}
		out = append(out, k)
		successor = &ks.keys[i]
	}
	return out
}

// ParseKey reads "id:secret" or "id:secret:valid-from", where valid-from is
// RFC 3339. A key without valid-from is valid from the zero time.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, errors.New("auth: signing key must look like id:secret[:valid-from]")
	}
	k := Key{ID: parts[0], Secret: []byte(parts[1])}
	if len(parts) == 3 {
		at, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			return Key{}, fmt.Errorf("auth: signing key %q valid-from: %w", parts[0], err)
		}
		k.ValidFrom = at
	}
	return k, nil
}
