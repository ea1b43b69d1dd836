package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	"github.com/meterflowlabs/meterflow/internal/ledger/repository"
	"github.com/meterflowlabs/meterflow/internal/ledger/service"
	"github.com/meterflowlabs/meterflow/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) (*gorm.DB, ledgerdomain.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A single connection serializes writes the way a row lock would,
	// so the conditional-update semantics match postgres.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&ledgerdomain.Balance{}))

	svc := service.NewService(service.ServiceParam{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: repository.Provide(),
	})
	return db, svc
}

func seedBalance(t *testing.T, db *gorm.DB, id snowflake.ID, amount string) {
	t.Helper()
	require.NoError(t, repository.Provide().Insert(context.Background(), db, &ledgerdomain.Balance{
		WorkspaceID: id,
		Amount:      money.MustParse(amount),
		UpdatedAt:   time.Now().UTC(),
	}))
}

func TestTryDebitValidation(t *testing.T) {
	_, svc := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.TryDebit(ctx, snowflake.ID(1), 0)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.TryDebit(ctx, snowflake.ID(1), money.MustParse("-1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.TryDebit(ctx, snowflake.ID(42), money.MustParse("1.00"))
	assert.ErrorIs(t, err, ledgerdomain.ErrWorkspaceNotFound)
}

func TestTryDebitAndCredit(t *testing.T) {
	db, svc := newTestLedger(t)
	ctx := context.Background()
	ws := snowflake.ID(7)
	seedBalance(t, db, ws, "10.00")

	res, err := svc.TryDebit(ctx, ws, money.MustParse("0.03"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, money.MustParse("9.97"), res.NewBalance)

	// Insufficient: balance untouched, ok=false.
	res, err = svc.TryDebit(ctx, ws, money.MustParse("100"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, money.MustParse("9.97"), res.NewBalance)

	require.NoError(t, svc.Credit(ctx, ws, money.MustParse("0.03")))
	b, err := svc.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10.00"), b.Amount)

	assert.ErrorIs(t, svc.Credit(ctx, ws, 0), ledgerdomain.ErrInvalidAmount)
	assert.ErrorIs(t, svc.Credit(ctx, snowflake.ID(404), money.MustParse("1")), ledgerdomain.ErrWorkspaceNotFound)
}

// TestConcurrentDebits issues 100 concurrent 1.00 debits against a
// 50.00 balance. Exactly 50 must succeed, the rest must be rejected,
// and no read may ever observe a negative balance.
func TestConcurrentDebits(t *testing.T) {
	db, svc := newTestLedger(t)
	ctx := context.Background()
	ws := snowflake.ID(99)
	seedBalance(t, db, ws, "50.00")

	const attempts = 100
	one := money.MustParse("1.00")

	var (
		succeeded   atomic.Int64
		negativeObs atomic.Int64
		wg          sync.WaitGroup
	)

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			res, err := svc.TryDebit(ctx, ws, one)
			if err != nil {
				t.Error(err)
				return
			}
			if res.OK {
				succeeded.Add(1)
			}
			if res.NewBalance < 0 {
				negativeObs.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), succeeded.Load(), "exactly the affordable subset succeeds")
	assert.Equal(t, int64(0), negativeObs.Load(), "no negative balance observable")

	b, err := svc.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), b.Amount)
}

// TestTryDebitReportsOwnBalance runs 50 concurrent 1.00 debits against
// a 50.00 balance. Every debit succeeds, and because the debit and the
// balance read commit in one transaction, each caller sees exactly its
// own post-debit amount: the reported balances are 0.00 through 49.00,
// each exactly once.
func TestTryDebitReportsOwnBalance(t *testing.T) {
	db, svc := newTestLedger(t)
	ctx := context.Background()
	ws := snowflake.ID(31)
	seedBalance(t, db, ws, "50.00")

	const debits = 50
	one := money.MustParse("1.00")

	var (
		mu       sync.Mutex
		observed = make(map[money.Amount]int)
		wg       sync.WaitGroup
	)

	wg.Add(debits)
	for i := 0; i < debits; i++ {
		go func() {
			defer wg.Done()
			res, err := svc.TryDebit(ctx, ws, one)
			if err != nil {
				t.Error(err)
				return
			}
			if !res.OK {
				t.Error("debit unexpectedly rejected")
				return
			}
			mu.Lock()
			observed[res.NewBalance]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, observed, debits, "every debit reports a distinct balance")
	for i := 0; i < debits; i++ {
		want := money.Amount(int64(i) * int64(one))
		assert.Equal(t, 1, observed[want], "balance %s seen exactly once", want)
	}
}

// TestConcurrentMixedOps checks the ledger invariant: final balance is
// the initial balance plus the algebraic sum of applied deltas.
func TestConcurrentMixedOps(t *testing.T) {
	db, svc := newTestLedger(t)
	ctx := context.Background()
	ws := snowflake.ID(5)
	seedBalance(t, db, ws, "20.00")

	var (
		applied atomic.Int64 // in money units
		wg      sync.WaitGroup
	)

	debit := money.MustParse("0.50")
	credit := money.MustParse("0.25")

	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := svc.TryDebit(ctx, ws, debit)
			if err == nil && res.OK {
				applied.Add(-int64(debit))
			}
		}()
		go func() {
			defer wg.Done()
			if err := svc.Credit(ctx, ws, credit); err == nil {
				applied.Add(int64(credit))
			}
		}()
	}
	wg.Wait()

	b, err := svc.Get(ctx, ws)
	require.NoError(t, err)
	want := int64(money.MustParse("20.00")) + applied.Load()
	assert.Equal(t, money.Amount(want), b.Amount)
}
