package identity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Keys of the durable per-browser storage.
const (
	KeyUser          = "auth_user"
	KeyImpersonation = "auth_impersonation"
)

// Storage is the durable string store a session persists into. *shared.Session
// satisfies it.
type Storage interface {
	Get(key string) string
	Set(key, value string)
	Delete(key string)
}

// impersonationRecord is the stored overlay. Exactly one of ClientUser and User is set,
// naming the active variant.
type impersonationRecord struct {
	ClientUser   *Principal `json:"clientUser,omitempty"`
	User         *Principal `json:"user,omitempty"`
	OriginalUser *Principal `json:"originalUser"`
}

// load reads the persisted state. Any decoding or consistency problem is returned as an
// error; callers purge on error.
func load(store Storage) (State, error) {
	rawUser := store.Get(KeyUser)
	if rawUser == "" {
		if store.Get(KeyImpersonation) != "" {
			return State{}, errors.New("impersonation overlay without user")
		}
		return State{}, nil
	}
	var user Principal
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", KeyUser, err)
	}
	if err := user.Validate(); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", KeyUser, err)
	}
	user.Impersonated = false
	state := State{Principal: &user, Authenticated: true}

	rawOverlay := store.Get(KeyImpersonation)
	if rawOverlay == "" {
		return state, nil
	}
	var rec impersonationRecord
	if err := json.Unmarshal([]byte(rawOverlay), &rec); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", KeyImpersonation, err)
	}
	if rec.OriginalUser == nil || rec.OriginalUser.ID != user.ID {
		return State{}, fmt.Errorf("decode %s: original user does not match %s", KeyImpersonation, KeyUser)
	}
	var derived Principal
	switch {
	case rec.ClientUser != nil && rec.User == nil:
		derived = *rec.ClientUser
		if derived.Kind != KindClient {
			return State{}, fmt.Errorf("decode %s: clientUser of kind %q", KeyImpersonation, derived.Kind)
		}
	case rec.User != nil && rec.ClientUser == nil:
		derived = *rec.User
	default:
		return State{}, fmt.Errorf("decode %s: expected exactly one impersonated user", KeyImpersonation)
	}
	derived.Impersonated = true
	if err := derived.Validate(); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", KeyImpersonation, err)
	}
	state = State{Principal: &derived, Authenticated: true, Impersonating: true, Original: &user}
	if err := state.check(); err != nil {
		return State{}, err
	}
	return state, nil
}

// save writes state. The user key always holds the logged-in principal (the original
// admin while impersonating).
func save(store Storage, s State) error {
	if !s.Authenticated || s.Principal == nil {
		purge(store)
		return nil
	}
	base := s.Principal
	if s.Impersonating {
		base = s.Original
	}
	userJSON, err := json.Marshal(base)
	if err != nil {
		return err
	}
	if !s.Impersonating {
		store.Set(KeyUser, string(userJSON))
		store.Delete(KeyImpersonation)
		return nil
	}
	rec := impersonationRecord{OriginalUser: s.Original}
	derived := *s.Principal
	if derived.Kind == KindClient {
		rec.ClientUser = &derived
	} else {
		rec.User = &derived
	}
	overlayJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	store.Set(KeyUser, string(userJSON))
	store.Set(KeyImpersonation, string(overlayJSON))
	return nil
}

func purge(store Storage) {
	store.Delete(KeyUser)
	store.Delete(KeyImpersonation)
}
