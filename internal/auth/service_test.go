package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type serviceFixture struct {
	svc    *Service
	creds  *MemoryCredentials
	ledger *MemoryLedger
	clock  *testClock
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) serviceFixture {
	t.Helper()
	clock := &testClock{now: testEpoch}
	ledger := NewMemoryLedger()
	creds := NewMemoryCredentials()
	svc, err := NewService(creds, ledger, newTestCodec(t, clock, ledger), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return serviceFixture{svc: svc, creds: creds, ledger: ledger, clock: clock}
}

func (f serviceFixture) register(t *testing.T, username, secret string) Principal {
	t.Helper()
	p, err := f.svc.Register(context.Background(), username, secret)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p
}

func TestNewServiceRejectsTTLOrdering(t *testing.T) {
	clock := &testClock{now: testEpoch}
	_, err := NewService(NewMemoryCredentials(), NewMemoryLedger(), newTestCodec(t, clock, nil),
		WithAccessTTL(time.Hour), WithRefreshTTL(time.Hour))
	if err == nil {
		t.Fatalf("expected error when access ttl is not shorter than refresh ttl")
	}
}

func TestNewServicePrimesUnknownPrincipalHash(t *testing.T) {
	newServiceFixture(t)
	if len(dummyHash) == 0 {
		t.Fatalf("expected dummy hash to be built before the first login")
	}
	if err := bcrypt.CompareHashAndPassword(dummyHash, []byte("investcalc-unknown-principal")); err != nil {
		t.Fatalf("dummy hash does not verify: %v", err)
	}
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	f := newServiceFixture(t)
	p := f.register(t, "Alice", "correct horse")
	if p.Username != "alice" || len(p.Roles) != 1 || p.Roles[0] != RoleMember {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.PasswordHash == "correct horse" || !VerifySecret(p, "correct horse") {
		t.Fatalf("secret was not hashed correctly")
	}
	if _, err := f.svc.Register(context.Background(), "alice", "another secret"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
	if _, err := f.svc.Register(context.Background(), "bob", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short secret, got %v", err)
	}
	if _, err := f.svc.Register(context.Background(), "x", "long enough"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short username, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	p := f.register(t, "alice", "correct horse")
	disabled := f.register(t, "mallory", "correct horse")
	if err := f.svc.Disable(context.Background(), disabled.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	cases := []struct{ user, secret string }{
		{"alice", "wrong secret"},
		{"nobody", "correct horse"},
		{"mallory", "correct horse"},
	}
	for _, tc := range cases {
		_, _, err := f.svc.Login(context.Background(), tc.user, tc.secret)
		if err != ErrUnauthorized {
			t.Fatalf("login %s: expected bare ErrUnauthorized, got %v", tc.user, err)
		}
	}

	pair, got, err := f.svc.Login(context.Background(), "ALICE", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("unexpected principal %s", got.ID)
	}
	if !pair.AccessExpiresAt.Equal(testEpoch.Add(defaultAccessTTL)) || !pair.RefreshExpiresAt.Equal(testEpoch.Add(defaultRefreshTTL)) {
		t.Fatalf("unexpected expirations: %+v", pair)
	}
}

func TestAuthorizeRoles(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, id, err := f.svc.Authorize(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Authorize without roles: %v", err)
	}
	fromCtx, ok := IdentityFromContext(ctx)
	if !ok || fromCtx.SubjectID != id.SubjectID {
		t.Fatalf("identity missing from context")
	}
	if _, _, err := f.svc.Authorize(context.Background(), pair.AccessToken, "MEMBER", "auditor"); err != nil {
		t.Fatalf("Authorize with matching role: %v", err)
	}
	if _, _, err := f.svc.Authorize(context.Background(), pair.AccessToken, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, _, err := f.svc.Authorize(context.Background(), pair.RefreshToken); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected refresh token to be rejected as access token, got %v", err)
	}

	f.clock.Advance(defaultAccessTTL)
	if _, _, err := f.svc.Authorize(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshRotatesAndBlocksReplay(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "alice", "correct horse")
	first, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	second, _, err := f.svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, _, err := f.svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected replay to fail with ErrTokenRevoked, got %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), first.AccessToken); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected access token to be rejected, got %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("expected rotated token to remain usable: %v", err)
	}
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected losers to be unauthorized, got %v", err)
		}
	}
}

func TestLogoutRevokes(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}
	if _, err := f.svc.Logout(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected second logout to fail, got %v", err)
	}
}

func TestReuseDetectionRevokesSubject(t *testing.T) {
	f := newServiceFixture(t, WithReuseDetection(true))
	f.register(t, "alice", "correct horse")
	first, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, _, err := f.svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), second.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected live token to be revoked after reuse, got %v", err)
	}
}

func TestRotateSecretAndDisableRevokeSessions(t *testing.T) {
	f := newServiceFixture(t)
	p := f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.RotateSecret(context.Background(), p.ID, "battery staple"); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected refresh to fail after secret rotation, got %v", err)
	}
	if _, _, err := f.svc.Login(context.Background(), "alice", "correct horse"); err != ErrUnauthorized {
		t.Fatalf("expected old secret to be rejected, got %v", err)
	}
	pair, _, err = f.svc.Login(context.Background(), "alice", "battery staple")
	if err != nil {
		t.Fatalf("Login with new secret: %v", err)
	}

	if err := f.svc.Disable(context.Background(), p.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected refresh to fail for disabled principal, got %v", err)
	}
	if err := f.svc.Disable(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignRolesAppliesOnRefresh(t *testing.T) {
	f := newServiceFixture(t)
	p := f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	updated, err := f.svc.AssignRoles(context.Background(), p.ID, []string{"Admin", "member"})
	if err != nil {
		t.Fatalf("AssignRoles: %v", err)
	}
	if len(updated.Roles) != 2 || updated.Roles[0] != RoleAdmin {
		t.Fatalf("unexpected roles: %v", updated.Roles)
	}
	if _, err := f.svc.AssignRoles(context.Background(), p.ID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty roles, got %v", err)
	}

	refreshed, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, _, err := f.svc.Authorize(context.Background(), refreshed.AccessToken, RoleAdmin); err != nil {
		t.Fatalf("expected refreshed token to carry admin role: %v", err)
	}
}

func TestPurgeExpiredDropsOldEntries(t *testing.T) {
	f := newServiceFixture(t, WithRefreshTTL(time.Hour))
	f.register(t, "alice", "correct horse")
	pair, _, err := f.svc.Login(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if n, err := f.svc.PurgeExpired(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected nothing to purge, got %d %v", n, err)
	}
	f.clock.Advance(2 * time.Hour)
	if n, err := f.svc.PurgeExpired(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one purged entry, got %d %v", n, err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}
