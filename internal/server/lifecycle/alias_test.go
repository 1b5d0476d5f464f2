package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropit/internal/server/database"
)

var (
	shortPattern = regexp.MustCompile(`^[abcdefghjkmnpqrstuvwxyz23456789]{6}$`)
	longPattern  = regexp.MustCompile(`^[a-z0-9]{6}(-[a-z0-9]{6}){3}$`)
)

func TestGenerateAlias(t *testing.T) {
	for i := 0; i < 50; i++ {
		short, err := GenerateAlias(database.AliasShort)
		require.NoError(t, err)
		assert.Regexp(t, shortPattern, short)

		long, err := GenerateAlias(database.AliasLong)
		require.NoError(t, err)
		assert.Regexp(t, longPattern, long)
	}
}

func TestAliasAllocator(t *testing.T) {
	ctx := context.Background()

	t.Run("retries on collision", func(t *testing.T) {
		store := database.NewMemoryRepository()
		seed(t, store, nil, "taken", nil, time.Hour)
		seed(t, store, nil, "fresh", nil, time.Hour)

		a := NewAliasAllocator(store, 3)
		ok, err := store.ReserveAlias(ctx, "taken", database.AliasShort, "aaaaaa")
		require.NoError(t, err)
		require.True(t, ok)

		candidates := []string{"aaaaaa", "aaaaaa", "bbbbbb"}
		calls := 0
		a.generate = func(database.AliasKind) (string, error) {
			c := candidates[calls]
			calls++
			return c, nil
		}

		alias, err := a.Allocate(ctx, "fresh", database.AliasShort)
		require.NoError(t, err)
		assert.Equal(t, "bbbbbb", alias)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausts after bounded attempts", func(t *testing.T) {
		store := database.NewMemoryRepository()
		seed(t, store, nil, "taken", nil, time.Hour)
		seed(t, store, nil, "fresh", nil, time.Hour)
		_, err := store.ReserveAlias(ctx, "taken", database.AliasShort, "aaaaaa")
		require.NoError(t, err)

		a := NewAliasAllocator(store, 0)
		calls := 0
		a.generate = func(database.AliasKind) (string, error) {
			calls++
			return "aaaaaa", nil
		}

		_, err = a.Allocate(ctx, "fresh", database.AliasShort)
		assert.ErrorIs(t, err, ErrAliasGenerationExhausted)
		assert.Equal(t, DefaultAliasAttempts, calls)
	})

	t.Run("short and long namespaces are independent", func(t *testing.T) {
		store := database.NewMemoryRepository()
		seed(t, store, nil, "one", nil, time.Hour)

		a := NewAliasAllocator(store, 1)
		a.generate = func(database.AliasKind) (string, error) { return "same00", nil }

		_, err := a.Allocate(ctx, "one", database.AliasShort)
		require.NoError(t, err)
		_, err = a.Allocate(ctx, "one", database.AliasLong)
		require.NoError(t, err)
	})

	t.Run("unknown record", func(t *testing.T) {
		a := NewAliasAllocator(database.NewMemoryRepository(), 1)
		_, err := a.Allocate(ctx, "ghost", database.AliasShort)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("concurrent allocations never share an alias", func(t *testing.T) {
		store := database.NewMemoryRepository()
		const n = 40
		for i := 0; i < n; i++ {
			seed(t, store, nil, fmt.Sprintf("rec-%d", i), nil, time.Hour)
		}

		// a tiny alphabet forces collisions between goroutines
		a := NewAliasAllocator(store, n*(n+1))
		var mu sync.Mutex
		next := 0
		a.generate = func(database.AliasKind) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			next++
			return fmt.Sprintf("a%05d", next%n), nil
		}

		aliases := make([]string, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				aliases[i], errs[i] = a.Allocate(ctx, fmt.Sprintf("rec-%d", i), database.AliasShort)
			}(i)
		}
		wg.Wait()

		seen := make(map[string]bool)
		for i := range aliases {
			require.NoError(t, errs[i])
			assert.False(t, seen[aliases[i]], "alias %s handed out twice", aliases[i])
			seen[aliases[i]] = true
		}
	})
}
