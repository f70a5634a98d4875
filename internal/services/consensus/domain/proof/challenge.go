package proof

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultChallengeTTL is how long a minted challenge stays valid.
const DefaultChallengeTTL = 5 * time.Minute

// Challenge is a short-lived value bound to one (operation, signer) pair.
// Proofs must be computed against it, which prevents replay across
// operations and signers.
type Challenge struct {
	OperationID string
	SignerID    string
	Nonce       string
	Hash        string
	ExpiresAt   time.Time
}

type challengeEntry struct {
	challenge Challenge
	consumed  bool
}

// ChallengeStore issues and tracks single-use challenges. It is an
// explicit constructor dependency rather than process-global state so
// tests and multi-instance deployments can scope it.
type ChallengeStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	byKey   map[string]*challengeEntry
	byHash  map[string]*challengeEntry
	newUUID func() (string, error)
}

// NewChallengeStore creates a challenge store with the given TTL.
// A non-positive TTL falls back to DefaultChallengeTTL.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{
		ttl:    ttl,
		now:    time.Now,
		byKey:  make(map[string]*challengeEntry),
		byHash: make(map[string]*challengeEntry),
	}
}

// WithClock overrides the store clock. Intended for tests.
func (s *ChallengeStore) WithClock(now func() time.Time) *ChallengeStore {
	if now != nil {
		s.now = now
	}
	return s
}

func challengeKey(operationID, signerID string) string {
	return operationID + "\x00" + signerID
}

// Issue returns the unexpired, unconsumed challenge for the pair, minting
// a fresh one when none exists. Expired entries are garbage-collected on
// every call.
func (s *ChallengeStore) Issue(operationID, signerID string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.gcLocked(now)

	key := challengeKey(operationID, signerID)
	if entry, ok := s.byKey[key]; ok && !entry.consumed && now.Before(entry.challenge.ExpiresAt) {
		return entry.challenge, nil
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	digest := sha256.Sum256([]byte(operationID + "|" + signerID + "|" + nonce))
	challenge := Challenge{
		OperationID: operationID,
		SignerID:    signerID,
		Nonce:       nonce,
		Hash:        hex.EncodeToString(digest[:]),
		ExpiresAt:   now.Add(s.ttl),
	}
	entry := &challengeEntry{challenge: challenge}
	s.byKey[key] = entry
	s.byHash[challenge.Hash] = entry
	return challenge, nil
}

// Consume marks a challenge hash as used. Consuming an unknown, expired,
// or already-consumed hash fails, which is the replay detection point.
func (s *ChallengeStore) Consume(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	entry, ok := s.byHash[hash]
	if !ok {
		return fmt.Errorf("unknown challenge")
	}
	if entry.consumed {
		return fmt.Errorf("challenge already consumed")
	}
	if !now.Before(entry.challenge.ExpiresAt) {
		return fmt.Errorf("challenge expired")
	}
	entry.consumed = true
	return nil
}

// Len reports live entries. Intended for tests.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// gcLocked drops expired entries. Consumed entries are retained until
// expiry so replays of a consumed hash keep failing distinctly.
func (s *ChallengeStore) gcLocked(now time.Time) {
	for key, entry := range s.byKey {
		if !now.Before(entry.challenge.ExpiresAt) {
			delete(s.byKey, key)
			delete(s.byHash, entry.challenge.Hash)
		}
	}
}
