package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/iotcloud-client/pkg/errs"
)

const (
	// DefaultMargin is how long before expiry a credential is considered stale.
	DefaultMargin = 30 * time.Second
	// DefaultRefreshTimeout bounds a single refresh against the identity provider.
	DefaultRefreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

var errEmptyToken = errors.New("identity provider returned an empty access token")

// Cache holds the current credential and refreshes it on demand.
// Concurrent refreshes collapse into one call to the Source.
type Cache struct {
	src            Source
	store          Store
	margin         time.Duration
	refreshTimeout time.Duration
	log            *zap.Logger
	now            func() time.Time

	loadOnce sync.Once
	mu       sync.Mutex
	cred     Credential
	group    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMargin sets the safety margin applied to credential expiry.
func WithMargin(d time.Duration) Option { return func(c *Cache) { c.margin = d } }

// WithRefreshTimeout bounds each refresh independently of the callers waiting on it.
func WithRefreshTimeout(d time.Duration) Option { return func(c *Cache) { c.refreshTimeout = d } }

// WithStore persists refreshed credentials and seeds the cache on first use.
func WithStore(s Store) Option { return func(c *Cache) { c.store = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// NewCache returns an empty cache backed by src.
func NewCache(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:            src,
		margin:         DefaultMargin,
		refreshTimeout: DefaultRefreshTimeout,
		log:            zap.NewNop(),
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.margin < 0 {
		c.margin = 0
	}
	return c
}

// Token returns a credential that does not expire within the safety margin,
// refreshing it first when needed.
func (c *Cache) Token(ctx context.Context) (Credential, error) {
	c.loadOnce.Do(func() { c.load(ctx) })

	c.mu.Lock()
	cred := c.cred
	c.mu.Unlock()
	if cred.Valid() && !cred.ExpiresBefore(c.margin, c.now()) {
		return cred, nil
	}
	return c.refresh(ctx, cred.AccessToken)
}

// ForceRefresh replaces the credential whose access token was rejected. When the
// cache already holds a different, fresh credential it is returned without a fetch.
// An empty rejected token stands for the credential currently cached.
func (c *Cache) ForceRefresh(ctx context.Context, rejected string) (Credential, error) {
	c.loadOnce.Do(func() { c.load(ctx) })
	if rejected == "" {
		rejected = c.Current().AccessToken
	}
	return c.refresh(ctx, rejected)
}

// Current returns the cached credential without refreshing.
func (c *Cache) Current() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

func (c *Cache) load(ctx context.Context) {
	if c.store == nil {
		return
	}
	cred, err := c.store.Load(ctx)
	if err != nil {
		c.log.Debug("no stored credential", zap.Error(err))
		return
	}
	c.mu.Lock()
	if !c.cred.Valid() {
		c.cred = cred
	}
	c.mu.Unlock()
}

// refresh joins the in-flight refresh or starts one. stale is the access token the
// caller saw; a flight that finds it already replaced by a fresh credential returns
// that one instead of fetching again. The refresh runs on a context detached from
// the caller, so one caller giving up does not fail the others.
func (c *Cache) refresh(ctx context.Context, stale string) (Credential, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if cur, ok := c.replaced(stale); ok {
			return cur, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.fetch(rctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, fmt.Errorf("%w: refresh credential: %w", errs.ErrUnauthorized, res.Err)
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, fmt.Errorf("%w: waiting for credential refresh: %w", errs.ErrTimeout, ctx.Err())
		}
		return Credential{}, fmt.Errorf("waiting for credential refresh: %w", ctx.Err())
	}
}

// replaced returns the cached credential when it is no longer the stale one and
// is still outside the safety margin.
func (c *Cache) replaced(stale string) (Credential, bool) {
	c.mu.Lock()
	cur := c.cred
	c.mu.Unlock()
	if !cur.Valid() || cur.AccessToken == stale {
		return Credential{}, false
	}
	return cur, !cur.ExpiresBefore(c.margin, c.now())
}

func (c *Cache) fetch(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	refreshToken := c.cred.RefreshToken
	c.mu.Unlock()

	start := c.now()
	cred, err := c.src.Fetch(ctx, refreshToken)
	if err != nil {
		c.log.Warn("credential refresh failed", zap.Duration("dur", c.now().Sub(start)), zap.Error(err))
		return Credential{}, err
	}
	if !cred.Valid() {
		return Credential{}, errEmptyToken
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.log.Debug("credential refreshed",
		zap.Time("expires_at", cred.ExpiresAt),
		zap.Duration("dur", c.now().Sub(start)),
	)

	if c.store != nil {
		if err := c.store.Save(ctx, cred); err != nil {
			c.log.Warn("persist credential", zap.Error(err))
		}
	}
	return cred, nil
}
