package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"admin":          RoleAdmin,
		" Administrator": RoleAdmin,
		"SUPERUSER":      RoleAdmin,
		"user":           RoleStandard,
		"":               RoleStandard,
		"owner":          RoleStandard,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseRole(in), "ParseRole(%q)", in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ana@example.com", NormalizeEmail("  Ana@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestListOptionsNormalize(t *testing.T) {
	t.Run("zero limit takes the default", func(t *testing.T) {
		assert.Equal(t, DefaultListLimit, ListOptions{}.Normalize().Limit)
	})
	t.Run("large limit is clamped", func(t *testing.T) {
		assert.Equal(t, MaxListLimit, ListOptions{Limit: MaxListLimit + 1}.Normalize().Limit)
	})
	t.Run("valid limit is kept", func(t *testing.T) {
		assert.Equal(t, 10, ListOptions{Limit: 10}.Normalize().Limit)
	})
}

func TestListOptionsIncludes(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	older := &LedgerEntry{ID: 1, Kind: EntryCharge, CreatedAt: at.Add(-time.Second)}
	tieLow := &LedgerEntry{ID: 2, Kind: EntryRefund, CreatedAt: at}
	tieHigh := &LedgerEntry{ID: 3, Kind: EntryCharge, CreatedAt: at}
	newer := &LedgerEntry{ID: 4, Kind: EntryCharge, CreatedAt: at.Add(time.Second)}

	t.Run("no window includes everything", func(t *testing.T) {
		for _, e := range []*LedgerEntry{older, tieLow, tieHigh, newer} {
			assert.True(t, ListOptions{}.Includes(e))
		}
	})

	t.Run("before excludes ties without a tiebreaker", func(t *testing.T) {
		o := ListOptions{Before: at}
		assert.True(t, o.Includes(older))
		assert.False(t, o.Includes(tieLow))
		assert.False(t, o.Includes(newer))
	})

	t.Run("before id breaks ties", func(t *testing.T) {
		o := ListOptions{Before: at, BeforeID: 3}
		assert.True(t, o.Includes(older))
		assert.True(t, o.Includes(tieLow))
		assert.False(t, o.Includes(tieHigh))
		assert.False(t, o.Includes(newer))
	})

	t.Run("kind filter", func(t *testing.T) {
		o := ListOptions{Kind: EntryCharge}
		assert.True(t, o.Includes(older))
		assert.False(t, o.Includes(tieLow))
	})
}

func TestReceiptFor(t *testing.T) {
	charge := &LedgerEntry{ID: 9, Amount: -10, BalanceAfter: 90}
	r := ReceiptFor(charge)
	assert.Equal(t, int64(9), r.EntryID)
	assert.Equal(t, int64(10), r.AmountCharged)
	assert.Equal(t, int64(90), r.BalanceAfter)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrStorageUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("reserve: %w", ErrStorageUnavailable)))
	assert.False(t, IsRetryable(ErrInsufficientCredits))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestFitsBalance(t *testing.T) {
	assert.True(t, FitsBalance(0, math.MaxInt64))
	assert.True(t, FitsBalance(10, math.MaxInt64-10))
	assert.False(t, FitsBalance(10, math.MaxInt64-9))
	assert.False(t, FitsBalance(math.MaxInt64, 1))
}
