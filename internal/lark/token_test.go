package lark

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"larkgate/internal/domain"
)

type fakeIssuer struct {
	calls int
	resp  *TokenResponse
	err   error
}

func (f *fakeIssuer) TenantAccessToken(ctx context.Context, appID, appSecret string) (*TokenResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAccount() Account {
	return Account{AccountID: "default", AppID: "cli_test_app", AppSecret: "secret"}
}

func TestTokenSource_CachesWithinLifetime(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "t-1", Expire: 7200}}
	ts := NewTokenSource(issuer, discardLogger())

	token, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, "t-1", token)

	token, err = ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, "t-1", token)
	require.Equal(t, 1, issuer.calls)
	require.True(t, ts.HasValidToken(testAccount()))
}

func TestTokenSource_RefreshesInsideExpiryBuffer(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "t-1", Expire: 7200}}
	ts := NewTokenSource(issuer, discardLogger())

	now := time.Now()
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, 1, issuer.calls)

	// 4 minutes of validity left: inside the 5 minute refresh buffer.
	now = now.Add(7200*time.Second - 4*time.Minute)
	issuer.resp = &TokenResponse{Code: 0, TenantAccessToken: "t-2", Expire: 7200}

	token, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, "t-2", token)
	require.Equal(t, 2, issuer.calls)
}

func TestTokenSource_ServesCachedJustOutsideBuffer(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "t-1", Expire: 7200}}
	ts := NewTokenSource(issuer, discardLogger())

	now := time.Now()
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)

	// 6 minutes of validity left: still outside the buffer.
	now = now.Add(7200*time.Second - 6*time.Minute)

	token, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, "t-1", token)
	require.Equal(t, 1, issuer.calls)
}

func TestTokenSource_InvalidateForcesReissue(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "t-1", Expire: 7200}}
	ts := NewTokenSource(issuer, discardLogger())

	_, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)

	ts.Invalidate(testAccount())
	require.False(t, ts.HasValidToken(testAccount()))

	issuer.resp = &TokenResponse{Code: 0, TenantAccessToken: "t-2", Expire: 7200}
	token, err := ts.Token(context.Background(), testAccount())
	require.NoError(t, err)
	require.Equal(t, "t-2", token)
	require.Equal(t, 2, issuer.calls)
}

func TestTokenSource_NonZeroCodeIsAuthError(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 10014, Msg: "app secret invalid"}}
	ts := NewTokenSource(issuer, discardLogger())

	_, err := ts.Token(context.Background(), testAccount())
	require.ErrorIs(t, err, domain.ErrAuth)
	require.False(t, ts.HasValidToken(testAccount()))
}

func TestTokenSource_CachesPerAppID(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "t-a", Expire: 7200}}
	ts := NewTokenSource(issuer, discardLogger())

	a := Account{AppID: "cli_app_a", AppSecret: "sa"}
	b := Account{AppID: "cli_app_b", AppSecret: "sb"}

	tokenA, err := ts.Token(context.Background(), a)
	require.NoError(t, err)

	issuer.resp = &TokenResponse{Code: 0, TenantAccessToken: "t-b", Expire: 7200}
	tokenB, err := ts.Token(context.Background(), b)
	require.NoError(t, err)

	require.Equal(t, "t-a", tokenA)
	require.Equal(t, "t-b", tokenB)
	require.Equal(t, 2, issuer.calls)
}
