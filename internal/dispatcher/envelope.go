package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/evalorc/internal/evaluator"
)

// envelopeEntry is one task's decrypted credentials plus their expiry, held
// only in process memory.
type envelopeEntry struct {
	envelope  evaluator.CredentialEnvelope
	expiresAt time.Time
}

// envelopeStore is the in-memory, TTL-bound credential envelope described in
// §4.5/§9: per-model provider credentials live here only, keyed by task_id,
// and are never written to the Task snapshot or the queue message. A signed
// token (not the credentials themselves) travels as the handle a worker
// presents to redeem the envelope, so a forged or stale claim can't be used
// to pull another task's credentials out of the store.
type envelopeStore struct {
	signingKey []byte
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*envelopeEntry
}

func newEnvelopeStore(signingKey string, ttl time.Duration) *envelopeStore {
	return &envelopeStore{
		signingKey: []byte(signingKey),
		ttl:        ttl,
		entries:    make(map[string]*envelopeEntry),
	}
}

// Put stores perModel credentials for taskID and mints the redemption token.
func (s *envelopeStore) Put(taskID string, perModel map[string]string) (string, error) {
	expiresAt := time.Now().Add(s.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   taskID,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign credential envelope token: %w", err)
	}

	s.mu.Lock()
	s.entries[taskID] = &envelopeEntry{
		envelope:  evaluator.CredentialEnvelope{TaskID: taskID, PerModel: perModel},
		expiresAt: expiresAt,
	}
	s.mu.Unlock()

	return token, nil
}

// Fetch redeems token for taskID's credential envelope, verifying the
// token's signature, expiry, and subject before returning anything.
func (s *envelopeStore) Fetch(taskID, token string) (evaluator.CredentialEnvelope, bool, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return evaluator.CredentialEnvelope{}, false, fmt.Errorf("invalid credential envelope token: %w", err)
	}
	if claims.Subject != taskID {
		return evaluator.CredentialEnvelope{}, false, fmt.Errorf("credential envelope token subject mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok || time.Now().After(entry.expiresAt) {
		return evaluator.CredentialEnvelope{}, false, nil
	}
	return entry.envelope, true, nil
}

// Revoke removes taskID's envelope immediately. The dispatcher calls it when
// a task is cancelled; envelopes of tasks that end in SUCCESS or FAILURE are
// not revoked and stay until their TTL expires and sweep evicts them.
func (s *envelopeStore) Revoke(taskID string) {
	s.mu.Lock()
	delete(s.entries, taskID)
	s.mu.Unlock()
}

// sweep periodically evicts expired envelopes, mirroring the teacher's
// CancellationManager.StartCleanupLoop.
func (s *envelopeStore) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for taskID, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, taskID)
				}
			}
			s.mu.Unlock()
		}
	}
}
