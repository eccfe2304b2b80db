package licenses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"licensing/internal/credential"
	"licensing/internal/domain"
	"licensing/internal/infrastructure/database"
	"licensing/internal/keygen"
	"licensing/internal/repository/activations_repo"
	"licensing/internal/repository/licenses_repo"
	"licensing/internal/repository/orders_repo"
	"licensing/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPostgresService(t *testing.T, keys KeyGenerator) *Service {
	t.Helper()
	db := testutil.StartupPostgreSQL(t)
	if keys == nil {
		keys = keygen.Default()
	}
	return NewService(
		db,
		database.NewTransactor(db, zap.NewNop()),
		orders_repo.NewOrderRepository(),
		licenses_repo.NewLicenseRepository(),
		activations_repo.NewActivationRepository(),
		keys,
		credential.NewSigner(testKey),
		Options{Issuer: "test-issuer"},
		zap.NewNop(),
	)
}

func TestPostgresConcurrentIssuanceConverges(t *testing.T) {
	svc := newPostgresService(t, nil)
	ctx := context.Background()

	const callers = 8
	results := make([]*IssueResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.IssueOrFetch(ctx, IssueRequest{
				Provider:  "paynow",
				Reference: "PN-RACE",
				Product:   "pos-pro",
				Contact:   domain.Contact{Email: "buyer@example.com"},
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].License.Key, results[i].License.Key)
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	found, err := svc.FindByReference(ctx, "paynow", "PN-RACE")
	require.NoError(t, err)
	assert.Equal(t, results[0].License.ID, found.ID)
}

func TestPostgresKeyCollisionIsRegenerated(t *testing.T) {
	keys := &scriptedKeys{keys: []string{"POS-AAAA-AAAA-AAAA-AAAA", "POS-AAAA-AAAA-AAAA-AAAA", "POS-BBBB-BBBB-BBBB-BBBB"}}
	svc := newPostgresService(t, keys)
	ctx := context.Background()

	first, err := svc.IssueOrFetch(ctx, IssueRequest{Provider: "paypal", Reference: "PP-1", Contact: domain.Contact{Phone: "+15550100"}})
	require.NoError(t, err)
	second, err := svc.IssueOrFetch(ctx, IssueRequest{Provider: "paypal", Reference: "PP-2", Contact: domain.Contact{Phone: "+15550101"}})
	require.NoError(t, err)

	assert.Equal(t, "POS-AAAA-AAAA-AAAA-AAAA", first.License.Key)
	assert.Equal(t, "POS-BBBB-BBBB-BBBB-BBBB", second.License.Key)
}

func TestPostgresConcurrentActivationsBindOneTerminal(t *testing.T) {
	svc := newPostgresService(t, nil)
	ctx := context.Background()

	issued, err := svc.IssueOrFetch(ctx, IssueRequest{Provider: "paynow", Reference: "PN-ACT", Contact: domain.Contact{Email: "a@example.com"}})
	require.NoError(t, err)

	const terminals = 6
	var activated, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < terminals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Activate(ctx, ActivationRequest{
				LicenseKey: issued.License.Key,
				TerminalID: fmt.Sprintf("T-%d", i),
			})
			switch {
			case err == nil:
				activated.Add(1)
			case errors.Is(err, domain.ErrTerminalConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected activation error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), activated.Load())
	assert.Equal(t, int32(terminals-1), conflicts.Load())

	res, err := svc.Verify(ctx, VerifyRequest{LicenseKey: issued.License.Key})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActivatedBound, res.State)
	assert.NotEmpty(t, res.BoundTerminal)

	again, err := svc.Activate(ctx, ActivationRequest{LicenseKey: issued.License.Key, TerminalID: res.BoundTerminal})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReactivated, again.Outcome)
}
