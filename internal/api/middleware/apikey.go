// Package middleware carries the REST surface's apikey authentication
//, reworked
// from a header/query-based apikey store into a path-segment check.
package middleware

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// APIKey is one registered gateway credential.
type APIKey struct {
	Name       string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// APIKeyStore holds every valid apikey, hashed at rest.
type APIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // hash -> key
}

// NewAPIKeyStore creates an empty store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{keys: make(map[string]*APIKey)}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Generate creates a fresh random apikey registered under name and
// returns the plaintext value (shown once, never stored).
func (s *APIKeyStore) Generate(name string) (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hashKey(key)] = &APIKey{Name: name, Hash: hashKey(key), CreatedAt: time.Now()}
	return key, nil
}

// Register stores an already-known apikey (e.g. loaded from config),
// used for the default/admin key provisioned at startup.
func (s *APIKeyStore) Register(key, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hashKey(key)] = &APIKey{Name: name, Hash: hashKey(key), CreatedAt: time.Now()}
}

// Valid reports whether key is a currently registered apikey, bumping
// its last-used timestamp.
func (s *APIKeyStore) Valid(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[hashKey(key)]
	if !ok {
		return false
	}
	k.LastUsedAt = time.Now()
	return true
}

// Require returns fiber middleware validating the ":apikey" path
// param against store, matching the deCONZ-compatible URL shape
// rather than a header-carried key.
func Require(store *APIKeyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("apikey")
		if key == "" || !store.Valid(key) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": fiber.Map{
					"type":        1,
					"address":     c.Path(),
					"description": "not authorized",
				},
			})
		}
		c.Locals("apikey", key)
		return c.Next()
	}
}
