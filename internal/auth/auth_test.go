package auth

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSecret(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func newTestCodec(t *testing.T, clock *testClock, ledger Ledger) *Codec {
	t.Helper()
	keys, err := NewKeySet(0, Key{ID: "k1", Secret: testSecret('a'), ValidFrom: testEpoch.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	opts := []CodecOption{WithIssuer("test-issuer"), WithClock(clock.Now)}
	if ledger != nil {
		opts = append(opts, WithRevocationLedger(ledger))
	}
	codec, err := NewCodec(keys, opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func accessClaims(now time.Time, ttl time.Duration) Claims {
	return Claims{
		SubjectID: "user-42",
		Roles:     []string{"Admin", "viewer", "admin"},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Type:      TokenAccess,
		TokenID:   "tok-1",
	}
}

func TestCodecRoundTrip(t *testing.T) {
	clock := &testClock{now: testEpoch}
	codec := newTestCodec(t, clock, nil)

	token, err := codec.Encode(accessClaims(codec.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	claims, err := codec.Decode(context.Background(), token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.SubjectID != "user-42" || claims.TokenID != "tok-1" || claims.Type != TokenAccess {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "admin" || claims.Roles[1] != "viewer" {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	if !claims.ExpiresAt.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.ExpiresAt)
	}
}

func TestCodecExpiryBoundary(t *testing.T) {
	clock := &testClock{now: testEpoch}
	codec := newTestCodec(t, clock, nil)
	token, err := codec.Encode(accessClaims(codec.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	clock.Advance(time.Minute - time.Second)
	if _, err := codec.Decode(context.Background(), token); err != nil {
		t.Fatalf("expected token to be valid one second before expiry: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := codec.Decode(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at expiry, got %v", err)
	}
}

func TestCodecRejections(t *testing.T) {
	clock := &testClock{now: testEpoch}
	codec := newTestCodec(t, clock, nil)
	valid, err := codec.Encode(accessClaims(codec.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	otherKeys, _ := NewKeySet(0, Key{ID: "k1", Secret: testSecret('b'), ValidFrom: testEpoch.Add(-time.Hour)})
	forger, _ := NewCodec(otherKeys, WithIssuer("test-issuer"), WithClock(clock.Now))
	forged, _ := forger.Encode(accessClaims(codec.Now(), time.Minute))

	wrongIssuer, _ := NewCodec(codec.keys, WithIssuer("someone-else"), WithClock(clock.Now))
	foreign, _ := wrongIssuer.Encode(accessClaims(codec.Now(), time.Minute))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-42", "iss": "test-issuer", "token_type": "access", "jti": "x",
		"iat": testEpoch.Unix(), "exp": testEpoch.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMalformedToken},
		{"garbage", "not-a-token", ErrMalformedToken},
		{"bad segment", "a.b.c", ErrMalformedToken},
		{"tampered signature", valid[:len(valid)-4] + "AAAA", ErrInvalidSignature},
		{"forged key", forged, ErrInvalidSignature},
		{"alg none", unsigned, ErrInvalidSignature},
		{"wrong issuer", foreign, ErrInvalidClaims},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(context.Background(), tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected error to be unauthorized, got %v", err)
			}
		})
	}
}

func TestCodecSignatureCheckedBeforeExpiry(t *testing.T) {
	clock := &testClock{now: testEpoch}
	codec := newTestCodec(t, clock, nil)
	otherKeys, _ := NewKeySet(0, Key{ID: "k1", Secret: testSecret('b'), ValidFrom: testEpoch.Add(-time.Hour)})
	forger, _ := NewCodec(otherKeys, WithIssuer("test-issuer"), WithClock(clock.Now))
	forged, err := forger.Encode(accessClaims(codec.Now(), time.Minute))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := codec.Decode(context.Background(), forged); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for expired forged token, got %v", err)
	}
}

func TestCodecRefreshRevocationCheck(t *testing.T) {
	clock := &testClock{now: testEpoch}
	ledger := NewMemoryLedger()
	codec := newTestCodec(t, clock, ledger)
	claims := accessClaims(codec.Now(), time.Hour)
	claims.Type = TokenRefresh
	token, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := codec.Decode(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected unrecorded refresh token to count as revoked, got %v", err)
	}
	if err := ledger.Record(context.Background(), LedgerEntry{TokenID: "tok-1", SubjectID: "user-42", ExpiresAt: claims.ExpiresAt}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := codec.Decode(context.Background(), token); err != nil {
		t.Fatalf("Decode active refresh token: %v", err)
	}
	if err := ledger.Revoke(context.Background(), "tok-1", clock.Now()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, err := codec.Decode(context.Background(), token)
	if !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if got.SubjectID != "user-42" {
		t.Fatalf("expected verified claims alongside revocation, got %+v", got)
	}
}

func TestKeyRotationGraceWindow(t *testing.T) {
	clock := &testClock{now: testEpoch.Add(-time.Hour)}
	rotation := testEpoch
	keys, err := NewKeySet(time.Hour,
		Key{ID: "old", Secret: testSecret('o'), ValidFrom: testEpoch.Add(-48 * time.Hour)},
		Key{ID: "new", Secret: testSecret('n'), ValidFrom: rotation},
	)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	codec, err := NewCodec(keys, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	claims := accessClaims(codec.Now(), 24*time.Hour)
	oldToken, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if kid := headerKid(t, oldToken); kid != "old" {
		t.Fatalf("expected old key before rotation, got %q", kid)
	}

	clock.Advance(90 * time.Minute)
	if _, err := codec.Decode(context.Background(), oldToken); err != nil {
		t.Fatalf("expected old token to verify within grace: %v", err)
	}
	newToken, err := codec.Encode(accessClaims(codec.Now(), time.Hour))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if kid := headerKid(t, newToken); kid != "new" {
		t.Fatalf("expected new key after rotation, got %q", kid)
	}

	clock.Advance(time.Hour)
	if _, err := codec.Decode(context.Background(), oldToken); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected old key to be retired after grace, got %v", err)
	}
}

func TestNewKeySetValidation(t *testing.T) {
	if _, err := NewKeySet(0); err == nil {
		t.Fatalf("expected error for empty key set")
	}
	if _, err := NewKeySet(0, Key{ID: "short", Secret: []byte("too-short")}); err == nil {
		t.Fatalf("expected error for short secret")
	}
	dup := Key{ID: "k", Secret: testSecret('x')}
	if _, err := NewKeySet(0, dup, dup); err == nil {
		t.Fatalf("expected error for duplicate key id")
	}
}

func headerKid(t *testing.T, token string) string {
	t.Helper()
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	kid, _ := parsed.Header["kid"].(string)
	return kid
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("k2:0123456789abcdef0123456789abcdef:2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if k.ID != "k2" || string(k.Secret) != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("unexpected key: %+v", k)
	}
	if !k.ValidFrom.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected valid-from: %v", k.ValidFrom)
	}
	for _, bad := range []string{"", "only-id", ":secret", "k:s:yesterday"} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
