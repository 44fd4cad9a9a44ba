package lark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"larkgate/internal/domain"
)

// tokenRefreshBuffer: a cached token is treated as stale this long before its
// actual expiry.
const tokenRefreshBuffer = 5 * time.Minute

// tokenIssuer is the slice of the API client the token source needs.
type tokenIssuer interface {
	TenantAccessToken(ctx context.Context, appID, appSecret string) (*TokenResponse, error)
}

// cachedToken entries are immutable; the cache replaces them wholesale.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenSource caches tenant access tokens per app id, refreshing lazily when
// a caller asks within the refresh buffer of expiry. Concurrent callers for
// the same app may race to refresh; issuance is idempotent and cheap, so the
// last write wins rather than serializing with single-flight.
type TokenSource struct {
	issuer tokenIssuer
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewTokenSource creates a token source backed by the given issuer.
func NewTokenSource(issuer tokenIssuer, logger *slog.Logger) *TokenSource {
	return &TokenSource{
		issuer: issuer,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedToken),
	}
}

// Token returns a valid access token for the account, issuing a new one if
// the cache is empty or within the refresh buffer of expiry.
func (ts *TokenSource) Token(ctx context.Context, account Account) (string, error) {
	ts.mu.Lock()
	cached, ok := ts.cache[account.AppID]
	ts.mu.Unlock()

	if ok && cached.expiresAt.After(ts.now().Add(tokenRefreshBuffer)) {
		return cached.token, nil
	}

	resp, err := ts.issuer.TenantAccessToken(ctx, account.AppID, account.AppSecret)
	if err != nil {
		return "", fmt.Errorf("token issuance: %w", err)
	}
	if resp.Code != codeSuccess {
		return "", fmt.Errorf("%w: token issuance code %d: %s", domain.ErrAuth, resp.Code, resp.Msg)
	}

	fresh := cachedToken{
		token:     resp.TenantAccessToken,
		expiresAt: ts.now().Add(time.Duration(resp.Expire) * time.Second),
	}
	ts.mu.Lock()
	ts.cache[account.AppID] = fresh
	ts.mu.Unlock()

	ts.logger.Debug("access token refreshed", "app_id", account.AppID, "expires_in", resp.Expire)
	return fresh.token, nil
}

// Invalidate removes the cached token for the account. Called when an API
// request comes back with a 401-class code.
func (ts *TokenSource) Invalidate(account Account) {
	ts.mu.Lock()
	delete(ts.cache, account.AppID)
	ts.mu.Unlock()
}

// HasValidToken reports whether a non-stale cached token exists, for status
// display only.
func (ts *TokenSource) HasValidToken(account Account) bool {
	ts.mu.Lock()
	cached, ok := ts.cache[account.AppID]
	ts.mu.Unlock()
	return ok && cached.expiresAt.After(ts.now().Add(tokenRefreshBuffer))
}
