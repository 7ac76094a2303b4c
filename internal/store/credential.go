package store

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	tokenKey = "session_token"
	saltKey  = "session_token_salt"
)

// CredentialStore persists the session token across restarts. With a
// non-empty passphrase the token is sealed at rest.
type CredentialStore struct {
	kv     *KV
	sealer *sealer
}

// NewCredentialStore returns a store over kv. The salt for the sealing key
// is generated on first use and kept in kv.
func NewCredentialStore(kv *KV, passphrase string) (*CredentialStore, error) {
	s := &CredentialStore{kv: kv}
	if passphrase == "" {
		return s, nil
	}

	salt, err := s.loadSalt()
	if err != nil {
		return nil, err
	}
	s.sealer, err = newSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CredentialStore) loadSalt() ([]byte, error) {
	enc, err := s.kv.Get(saltKey)
	if err == nil {
		salt, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(saltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// LoadToken returns the persisted token, or "" when none is stored.
func (s *CredentialStore) LoadToken() (string, error) {
	v, err := s.kv.Get(tokenKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if s.sealer == nil {
		return v, nil
	}
	token, err := s.sealer.open(v)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}
	return token, nil
}

func (s *CredentialStore) SaveToken(token string) error {
	v := token
	if s.sealer != nil {
		sealed, err := s.sealer.seal(token)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
		v = sealed
	}
	if err := s.kv.Set(tokenKey, v); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *CredentialStore) DeleteToken() error {
	if err := s.kv.Delete(tokenKey); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
