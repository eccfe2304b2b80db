package licenses

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"licensing/internal/credential"
	"licensing/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivateSingleTerminalLock(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-100")

	first, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, first.Outcome)
	assert.True(t, first.License.Activated)
	assert.Equal(t, testNow, first.ActivatedAt)

	again, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReactivated, again.Outcome)

	_, err = f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T2"})
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)

	history := f.store.Activations(lic.ID)
	require.Len(t, history, 2)
	for _, a := range history {
		assert.Equal(t, "T1", a.TerminalID)
	}
}

func TestActivateReturnsTerminalBoundToken(t *testing.T) {
	f := newFixture(t, nil, Options{Validity: 365 * 24 * time.Hour})
	lic := f.issue(t, "PN-TOKEN")

	res, err := f.svc.Activate(context.Background(), ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)

	claims, err := credential.NewVerifier(&testKey.PublicKey).Verify(res.Token)
	require.NoError(t, err)
	lc, err := credential.ParseLicenseClaims(claims)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, lc.LicenseKey)
	assert.Equal(t, "T1", lc.TerminalID)
	assert.Equal(t, "pos-pro", lc.Product)
	assert.Equal(t, "test-issuer", lc.Issuer)
	assert.Equal(t, testNow, lc.IssuedAt)
	require.NotNil(t, lc.ExpiresAt)
	assert.Equal(t, lic.ExpiresAt.Unix(), lc.ExpiresAt.Unix())
}

func TestActivateWithToken(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-BOOT")

	bootstrap, err := f.svc.IssueToken(lic, "")
	require.NoError(t, err)

	res, err := f.svc.Activate(ctx, ActivationRequest{Token: bootstrap, TerminalID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)

	// the re-signed token is bound to T1 and works as the re-activation credential
	res, err = f.svc.Activate(ctx, ActivationRequest{Token: res.Token, TerminalID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReactivated, res.Outcome)

	_, err = f.svc.Activate(ctx, ActivationRequest{Token: res.Token, TerminalID: "T2"})
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)

	_, err = f.svc.Activate(ctx, ActivationRequest{Token: bootstrap, TerminalID: "T2"})
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)
}

func TestActivateRejectsBadTokens(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-BAD")
	other := f.issue(t, "PN-OTHER")

	token, err := f.svc.IssueToken(lic, "")
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)/2] ^= 0x01
	_, err = f.svc.Activate(ctx, ActivationRequest{Token: string(tampered), TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, err = f.svc.Activate(ctx, ActivationRequest{Token: token, LicenseKey: other.Key, TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	foreignKey, err := credential.GenerateKeyPair(credential.MinKeyBits)
	require.NoError(t, err)
	forged, err := credential.NewSigner(foreignKey).Sign(credential.Claims{credential.ClaimLicenseKey: lic.Key})
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, ActivationRequest{Token: forged, TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	assert.Empty(t, f.store.Activations(lic.ID))
}

func TestActivateRejectsRevokedAndExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		lic := f.issue(t, "PN-R")
		_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
		require.NoError(t, err)
		_, err = f.svc.Revoke(ctx, lic.Key)
		require.NoError(t, err)

		for _, terminal := range []string{"T1", "T2"} {
			_, err = f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: terminal})
			assert.ErrorIs(t, err, domain.ErrLicenseInvalid)
			assert.NotErrorIs(t, err, domain.ErrLicenseExpired)

			_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key, TerminalID: terminal})
			assert.ErrorIs(t, err, domain.ErrLicenseInvalid)
		}
		_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key})
		assert.ErrorIs(t, err, domain.ErrLicenseInvalid)
		assert.Len(t, f.store.Activations(lic.ID), 1)
	})

	t.Run("expired by timestamp", func(t *testing.T) {
		f := newFixture(t, nil, Options{Validity: time.Hour})
		lic := f.issue(t, "PN-E")
		f.svc.opts.Now = func() time.Time { return testNow.Add(2 * time.Hour) }

		_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
		assert.ErrorIs(t, err, domain.ErrLicenseExpired)
		assert.ErrorIs(t, err, domain.ErrLicenseInvalid)

		_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key})
		assert.ErrorIs(t, err, domain.ErrLicenseExpired)
	})

	t.Run("expired by status", func(t *testing.T) {
		f := newFixture(t, nil, Options{})
		lic := f.issue(t, "PN-ES")
		f.store.SetLicenseStatus(lic.Key, domain.LicenseStatusExpired)

		_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
		assert.ErrorIs(t, err, domain.ErrLicenseExpired)
	})
}

func TestActivateRefusesRebindWhenHistoryNamesAnotherTerminal(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-HIST")
	require.NoError(t, f.store.ActivationRepo().AppendTx(ctx, nil, &domain.Activation{
		ID: "a-old", LicenseID: lic.ID, TerminalID: "T9", ActivatedAt: testNow.Add(-time.Hour),
	}))

	_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)

	res, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T9"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
}

func TestActivateValidatesInput(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: "POS-AAAA-AAAA-AAAA-AAAA"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.Activate(ctx, ActivationRequest{TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.Activate(ctx, ActivationRequest{LicenseKey: "POS-AAAA-AAAA-AAAA-AAAA", TerminalID: "T1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMalformedKeyIsReportedAsNotFound(t *testing.T) {
	f := newFixture(t, nil, Options{})
	lic := f.issue(t, "PN-SHAPE")
	ctx := context.Background()

	for _, key := range []string{"garbage", strings.ToLower(lic.Key), lic.Key + "-X", "POS-AB1-CD34-EF56-GH78"} {
		_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: key, TerminalID: "T1"})
		assert.ErrorIs(t, err, domain.ErrNotFound, key)
		assert.Equal(t, domain.ReasonNotFound, domain.Reason(err))

		_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: key})
		assert.ErrorIs(t, err, domain.ErrNotFound, key)
	}
	assert.Empty(t, f.store.Activations(lic.ID))

	_, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: "  " + lic.Key + " ", TerminalID: "T1"})
	require.NoError(t, err)
}

func TestConcurrentActivationsBindOneTerminal(t *testing.T) {
	f := newFixture(t, nil, Options{})
	lic := f.issue(t, "PN-CONC")

	terminals := []string{"T1", "T2", "T3", "T4", "T5", "T6"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for _, terminal := range terminals {
		wg.Add(1)
		go func(terminal string) {
			defer wg.Done()
			_, err := f.svc.Activate(context.Background(), ActivationRequest{LicenseKey: lic.Key, TerminalID: terminal})
			if err == nil {
				mu.Lock()
				winners = append(winners, terminal)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrTerminalConflict)
		}(terminal)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	history := f.store.Activations(lic.ID)
	require.Len(t, history, 1)
	assert.Equal(t, winners[0], history[0].TerminalID)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-VER")

	res, err := f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateIssued, res.State)
	assert.Empty(t, res.BoundTerminal)

	_, err = f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)

	res, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, domain.StateActivatedBound, res.State)
	assert.Equal(t, "T1", res.BoundTerminal)

	_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	assert.NoError(t, err)
	_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key, TerminalID: "T2"})
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)

	_, err = f.svc.Verify(ctx, VerifyRequest{LicenseKey: "POS-NOPE-NOPE-NOPE-NOPE"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// verification never writes
	assert.Len(t, f.store.Activations(lic.ID), 1)
}

func TestVerifyToken(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-VT")

	act, err := f.svc.Activate(ctx, ActivationRequest{LicenseKey: lic.Key, TerminalID: "T1"})
	require.NoError(t, err)

	res, err := f.svc.VerifyToken(ctx, act.Token, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", res.BoundTerminal)

	_, err = f.svc.VerifyToken(ctx, act.Token, "T2")
	assert.ErrorIs(t, err, domain.ErrTerminalConflict)

	_, err = f.svc.VerifyToken(ctx, "garbage", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestVerifyTokenRejectsExpiredTokenBeforeLookup(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	lic := f.issue(t, "PN-VT-EXP")
	require.Nil(t, lic.ExpiresAt)

	expired := testNow.Add(-time.Minute)
	token, err := credential.NewSigner(testKey).Sign(credential.LicenseClaims{
		LicenseKey: lic.Key,
		Product:    lic.Product,
		IssuedAt:   testNow.Add(-time.Hour),
		ExpiresAt:  &expired,
	}.Claims())
	require.NoError(t, err)

	_, err = f.svc.VerifyToken(ctx, token, "")
	assert.ErrorIs(t, err, domain.ErrLicenseExpired)
	assert.Equal(t, domain.ReasonLicenseExpired, domain.Reason(err))

	// the registry copy is still usable; only the presented credential has lapsed
	res, err := f.svc.Verify(ctx, VerifyRequest{LicenseKey: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, domain.StateIssued, res.State)
}
