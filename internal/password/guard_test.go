package password

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"coinwallet/internal/common/errs"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/events/eventstest"
	"coinwallet/internal/wallet/domain"
	"coinwallet/internal/wallet/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newGuard(t *testing.T) (*Guard, *clock, *eventstest.Recorder) {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	rec := &eventstest.Recorder{}
	opts := Options{MaxAttempts: 3, LockDuration: 30 * time.Minute, HashCost: bcrypt.MinCost}
	g := NewGuard(store.NewMemory(), rec, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.now = c.Now
	return g, c, rec
}

func TestVerifyNotConfigured(t *testing.T) {
	g, _, _ := newGuard(t)

	err := g.Verify(context.Background(), "u1", "whatever")
	assert.ErrorIs(t, err, errs.ErrPasswordNotConfigured)

	has, err := g.HasPassword(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVerifyLockout(t *testing.T) {
	ctx := context.Background()
	g, c, rec := newGuard(t)
	require.NoError(t, g.SetPassword(ctx, "u1", "123456", ""))

	assert.ErrorIs(t, g.Verify(ctx, "u1", "000000"), errs.ErrPasswordMismatch)
	assert.ErrorIs(t, g.Verify(ctx, "u1", "000000"), errs.ErrPasswordMismatch)
	assert.Empty(t, rec.Events(events.EventPasswordLocked))

	assert.ErrorIs(t, g.Verify(ctx, "u1", "000000"), errs.ErrPasswordMismatch)
	require.Len(t, rec.Events(events.EventPasswordLocked), 1)

	// the right password is rejected while locked and nothing is counted
	assert.ErrorIs(t, g.Verify(ctx, "u1", "123456"), errs.ErrPasswordLocked)
	st, err := g.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateLocked, st.State)
	assert.Equal(t, 3, st.FailedAttempts)
	require.NotNil(t, st.LockedUntil)
	assert.Equal(t, c.Now().Add(30*time.Minute), *st.LockedUntil)

	c.Advance(31 * time.Minute)
	st, err = g.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateUnlocked, st.State)
	assert.Equal(t, 0, st.FailedAttempts)

	require.NoError(t, g.Verify(ctx, "u1", "123456"))
}

func TestVerifyCountRestartsAfterLockExpires(t *testing.T) {
	ctx := context.Background()
	g, c, rec := newGuard(t)
	require.NoError(t, g.SetPassword(ctx, "u1", "123456", ""))

	for i := 0; i < 3; i++ {
		_ = g.Verify(ctx, "u1", "bad")
	}
	c.Advance(30 * time.Minute)

	assert.ErrorIs(t, g.Verify(ctx, "u1", "bad"), errs.ErrPasswordMismatch)
	st, err := g.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateUnlocked, st.State)
	assert.Equal(t, 1, st.FailedAttempts)
	assert.Len(t, rec.Events(events.EventPasswordLocked), 1)
}

func TestVerifySuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard(t)
	require.NoError(t, g.SetPassword(ctx, "u1", "123456", ""))

	assert.ErrorIs(t, g.Verify(ctx, "u1", "bad"), errs.ErrPasswordMismatch)
	assert.ErrorIs(t, g.Verify(ctx, "u1", "bad"), errs.ErrPasswordMismatch)
	require.NoError(t, g.Verify(ctx, "u1", "123456"))

	st, err := g.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.FailedAttempts)

	// two more misses do not lock: the counter started over
	assert.ErrorIs(t, g.Verify(ctx, "u1", "bad"), errs.ErrPasswordMismatch)
	assert.ErrorIs(t, g.Verify(ctx, "u1", "bad"), errs.ErrPasswordMismatch)
	require.NoError(t, g.Verify(ctx, "u1", "123456"))
}

func TestConcurrentGuessesLockOnce(t *testing.T) {
	ctx := context.Background()
	g, _, rec := newGuard(t)
	require.NoError(t, g.SetPassword(ctx, "u1", "123456", ""))

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Verify(ctx, "u1", "bad")
		}(i)
	}
	wg.Wait()

	var mismatches, locked int
	for _, err := range results {
		switch {
		case errs.CodeOf(err) == errs.CodePasswordMismatch:
			mismatches++
		case errs.CodeOf(err) == errs.CodePasswordLocked:
			locked++
		}
	}
	assert.Equal(t, 3, mismatches)
	assert.Equal(t, 7, locked)
	assert.Len(t, rec.Events(events.EventPasswordLocked), 1)
}

func TestSetPassword(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuard(t)

	err := g.SetPassword(ctx, "u1", "123", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	require.NoError(t, g.SetPassword(ctx, "u1", "123456", ""))

	err = g.SetPassword(ctx, "u1", "654321", "wrong!")
	assert.ErrorIs(t, err, errs.ErrPasswordMismatch)

	require.NoError(t, g.SetPassword(ctx, "u1", "654321", "123456"))
	require.NoError(t, g.Verify(ctx, "u1", "654321"))
	assert.ErrorIs(t, g.Verify(ctx, "u1", "123456"), errs.ErrPasswordMismatch)
}
