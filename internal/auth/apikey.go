package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks generated webhook API keys.
const KeyPrefix = "hr_"

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// HashKey hashes an API key using bcrypt.
func HashKey(key string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// KeyChecker verifies API keys against bcrypt hashes and remembers
// successful checks for a while so hot webhooks do not pay the bcrypt cost
// on every request.
type KeyChecker struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[[32]byte]time.Time
}

// NewKeyChecker creates a checker. A non-positive ttl disables caching.
func NewKeyChecker(ttl time.Duration) *KeyChecker {
	return &KeyChecker{
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[[32]byte]time.Time),
	}
}

func cacheKey(hash, key string) [32]byte {
	return sha256.Sum256([]byte(hash + "\x00" + key))
}

// Check returns nil when key matches one of hashes.
func (c *KeyChecker) Check(hashes []string, key string) error {
	if key == "" {
		return ErrMissingAPIKey
	}

	for _, hash := range hashes {
		if c.cached(hash, key) {
			return nil
		}
	}

	for _, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			c.remember(hash, key)
			return nil
		}
	}
	return ErrInvalidAPIKey
}

func (c *KeyChecker) cached(hash, key string) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(hash, key)
	expires, ok := c.cache[k]
	if !ok {
		return false
	}
	if c.now().After(expires) {
		delete(c.cache, k)
		return false
	}
	return true
}

func (c *KeyChecker) remember(hash, key string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.cache) >= 1024 {
		for k, exp := range c.cache {
			if now.After(exp) {
				delete(c.cache, k)
			}
		}
	}
	c.cache[cacheKey(hash, key)] = now.Add(c.ttl)
}
