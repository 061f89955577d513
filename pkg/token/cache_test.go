package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/iotcloud-client/pkg/errs"
)

// fakeSource hands out tok-1, tok-2, ... and optionally blocks until released.
type fakeSource struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	ttl     time.Duration
	now     func() time.Time

	mu          sync.Mutex
	seenRefresh []string
}

var _ Source = (*fakeSource)(nil)

func (f *fakeSource) Fetch(ctx context.Context, refreshToken string) (Credential, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.seenRefresh = append(f.seenRefresh, refreshToken)
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Credential{}, f.err
	}
	c := Credential{AccessToken: fmt.Sprintf("tok-%d", n), RefreshToken: fmt.Sprintf("rt-%d", n)}
	if f.ttl > 0 {
		c.ExpiresAt = f.now().Add(f.ttl)
	}
	return c, nil
}

type memStore struct {
	mu    sync.Mutex
	cred  Credential
	saved []Credential
}

var _ Store = (*memStore)(nil)

func (m *memStore) Load(context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cred.Valid() {
		return Credential{}, errors.New("empty")
	}
	return m.cred, nil
}

func (m *memStore) Save(_ context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, c)
	return nil
}

func TestCredential_ExpiresBefore(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.False(t, Credential{AccessToken: "x"}.ExpiresBefore(time.Hour, now), "no expiry never expires")
	require.False(t, Credential{ExpiresAt: now.Add(time.Minute)}.ExpiresBefore(30*time.Second, now))
	require.True(t, Credential{ExpiresAt: now.Add(time.Minute)}.ExpiresBefore(time.Minute, now))
	require.True(t, Credential{ExpiresAt: now.Add(-time.Second)}.ExpiresBefore(0, now))
}

func TestCache_ConcurrentCallersShareOneRefresh(t *testing.T) {
	src := &fakeSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCache(src, WithLogger(zaptest.NewLogger(t)))

	const n = 16
	var wg sync.WaitGroup
	got := make([]Credential, n)
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errsOut[i] = c.Token(context.Background())
		}(i)
	}

	<-src.started
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	require.Equal(t, int32(1), src.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errsOut[i])
		require.Equal(t, "tok-1", got[i].AccessToken)
	}
}

func TestCache_WaiterDeadlineDoesNotCancelSharedRefresh(t *testing.T) {
	src := &fakeSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCache(src)

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Token(shortCtx)
	require.ErrorIs(t, err, errs.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan Credential, 1)
	go func() {
		cred, _ := c.Token(context.Background())
		done <- cred
	}()
	time.Sleep(10 * time.Millisecond)
	close(src.release)

	cred := <-done
	require.Equal(t, "tok-1", cred.AccessToken)
	require.Equal(t, int32(1), src.calls.Load())
}

func TestCache_FailureReachesWaitersAndIsNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("idp down")}
	c := NewCache(src)

	_, err := c.Token(context.Background())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Contains(t, err.Error(), "idp down")

	src.err = nil
	cred, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", cred.AccessToken)
}

func TestCache_RefreshesWithinMargin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &fakeSource{ttl: 2 * time.Minute, now: clock}
	c := NewCache(src, WithClock(clock), WithMargin(time.Minute))

	cred, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", cred.AccessToken)

	now = now.Add(30 * time.Second)
	cred, _ = c.Token(context.Background())
	require.Equal(t, "tok-1", cred.AccessToken)

	now = now.Add(31 * time.Second)
	cred, _ = c.Token(context.Background())
	require.Equal(t, "tok-2", cred.AccessToken)
	require.Equal(t, []string{"", "rt-1"}, src.seenRefresh)
}

func TestCache_ForceRefreshReplaces(t *testing.T) {
	c := NewCache(&fakeSource{})

	cred, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", cred.AccessToken)

	cred, err = c.ForceRefresh(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "tok-2", cred.AccessToken)
	require.Equal(t, "tok-2", c.Current().AccessToken)

	cred, err = c.ForceRefresh(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "tok-3", cred.AccessToken, "empty rejected token replaces the current one")
}

func TestCache_LateRejectionReusesNewerCredential(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src)

	_, err := c.Token(context.Background())
	require.NoError(t, err)
	cred, err := c.ForceRefresh(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "tok-2", cred.AccessToken)

	// A second call that was also rejected with tok-1 arrives after the refresh.
	cred, err = c.ForceRefresh(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "tok-2", cred.AccessToken)
	require.Equal(t, int32(2), src.calls.Load())
}

func TestCache_CallerHoldingStaleCopyDoesNotRefreshAgain(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := &memStore{cred: Credential{AccessToken: "old", ExpiresAt: base.Add(-time.Minute)}}

	// The first clock read blocks, pausing caller A after it copied the stale credential.
	var reads atomic.Int32
	paused := make(chan struct{})
	resume := make(chan struct{})
	clock := func() time.Time {
		if reads.Add(1) == 1 {
			close(paused)
			<-resume
		}
		return base
	}
	src := &fakeSource{ttl: time.Hour, now: clock}
	c := NewCache(src, WithStore(st), WithClock(clock))

	credA := make(chan Credential, 1)
	go func() {
		cred, err := c.Token(context.Background())
		if err != nil {
			t.Errorf("caller A: %v", err)
		}
		credA <- cred
	}()
	<-paused

	credB, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", credB.AccessToken)

	close(resume)
	require.Equal(t, "tok-1", (<-credA).AccessToken)
	require.Equal(t, int32(1), src.calls.Load(), "one refresh for one stale credential")
}

func TestCache_CanceledWaiterIsNotTimeout(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	defer close(src.release)
	c := NewCache(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Token(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, errs.ErrTimeout)
}

func TestCache_StoreSeedsAndPersists(t *testing.T) {
	st := &memStore{cred: Credential{AccessToken: "stored", RefreshToken: "rt-stored"}}
	src := &fakeSource{}
	c := NewCache(src, WithStore(st))

	cred, err := c.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stored", cred.AccessToken)
	require.Zero(t, src.calls.Load())

	_, err = c.ForceRefresh(context.Background(), "stored")
	require.NoError(t, err)
	require.Equal(t, []string{"rt-stored"}, src.seenRefresh)
	require.Len(t, st.saved, 1)
	require.Equal(t, "tok-1", st.saved[0].AccessToken)
}

func TestCache_EmptyTokenIsAuthError(t *testing.T) {
	c := NewCache(StaticSource{})
	_, err := c.Token(context.Background())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestStaticSource_ReadsJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	cred, err := StaticSource{Token: raw}.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.True(t, cred.ExpiresAt.Equal(exp))

	cred, err = StaticSource{Token: "opaque"}.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.True(t, cred.ExpiresAt.IsZero())
}
