package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"dropit/internal/server/database"
)

const (
	// shortCharset leaves out characters that are easy to misread.
	shortCharset     = "abcdefghjkmnpqrstuvwxyz23456789"
	shortAliasLength = 6

	longCharset     = "abcdefghijklmnopqrstuvwxyz0123456789"
	longGroups      = 4
	longGroupLength = 6

	// DefaultAliasAttempts bounds the candidates tried per allocation.
	DefaultAliasAttempts = 10
)

// AliasReserver atomically assigns an alias if no other record holds it.
type AliasReserver interface {
	ReserveAlias(ctx context.Context, id string, kind database.AliasKind, alias string) (bool, error)
}

// AliasAllocator mints aliases that are unique at the instant they are reserved.
type AliasAllocator struct {
	store    AliasReserver
	attempts int
	generate func(kind database.AliasKind) (string, error)
}

// NewAliasAllocator creates an allocator trying at most attempts candidates.
func NewAliasAllocator(store AliasReserver, attempts int) *AliasAllocator {
	if attempts <= 0 {
		attempts = DefaultAliasAttempts
	}
	return &AliasAllocator{store: store, attempts: attempts, generate: GenerateAlias}
}

// Allocate reserves a fresh alias of kind for the record id, replacing any
// alias of that kind the record held. The check and the reservation are one
// store round trip, so two concurrent allocations can't both win a candidate.
func (a *AliasAllocator) Allocate(ctx context.Context, id string, kind database.AliasKind) (string, error) {
	for i := 0; i < a.attempts; i++ {
		candidate, err := a.generate(kind)
		if err != nil {
			return "", err
		}
		ok, err := a.store.ReserveAlias(ctx, id, kind, candidate)
		if err != nil {
			if errors.Is(err, database.ErrUploadNotFound) {
				return "", ErrRecordNotFound
			}
			return "", storeErr("reserve alias", err)
		}
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s alias after %d attempts", ErrAliasGenerationExhausted, kind, a.attempts)
}

// GenerateAlias returns a random candidate of the format for kind.
func GenerateAlias(kind database.AliasKind) (string, error) {
	if kind == database.AliasShort {
		return randomString(shortCharset, shortAliasLength)
	}
	groups := make([]string, longGroups)
	for i := range groups {
		g, err := randomString(longCharset, longGroupLength)
		if err != nil {
			return "", err
		}
		groups[i] = g
	}
	return strings.Join(groups, "-"), nil
}

// randomString produces a cryptographically secure string over charset.
func randomString(charset string, length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
