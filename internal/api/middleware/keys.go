package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// KeyPrefix starts every raw key issued by NewAPIKey.
const KeyPrefix = "dp_"

// KnownScopes lists the scopes a key may be granted.
var KnownScopes = []string{ScopeSubmit, ScopeRead, ScopeAdmin}

// ValidScope reports whether s is one of KnownScopes.
func ValidScope(s string) bool {
	return slices.Contains(KnownScopes, s)
}

// NewAPIKey generates a raw key and the record that stores its bcrypt hash.
// The raw key is returned once and never persisted.
func NewAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(buf)

	key, err := KeyRecord(name, raw, scopes)
	if err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// KeyRecord builds the stored form of an existing raw key.
func KeyRecord(name, raw string, scopes []string) (*models.APIKey, error) {
	if len(raw) < KeyPrefixLen {
		return nil, fmt.Errorf("api key must be at least %d characters", KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
