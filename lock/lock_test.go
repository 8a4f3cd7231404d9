package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/generic"
)

func TestLocal_SecondAcquireFailsUntilRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	release, err := l.Acquire(ctx, "settlement:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "settlement:1", time.Minute)
	assert.ErrorIs(t, err, generic.ErrLocked)

	// Other keys are independent
	other, err := l.Acquire(ctx, "settlement:2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	again, err := l.Acquire(ctx, "settlement:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocal_ExpiredHolderIsReplaced(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale release must not free the fresh holder
	stale()
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, generic.ErrLocked)

	fresh()
}

// =============================================================================
// REDIS
// =============================================================================

type mockCmdable struct {
	values    map[string]string
	evalCalls int
	setErr    error
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{values: make(map[string]string)}
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if m.setErr != nil {
		cmd.SetErr(m.setErr)
		return cmd
	}
	if _, ok := m.values[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	m.values[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (m *mockCmdable) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	m.evalCalls++
	cmd := redis.NewCmd(ctx)
	if m.values[keys[0]] == args[0].(string) {
		delete(m.values, keys[0])
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	r := &Redis{store: mock}

	release, err := r.Acquire(ctx, "settlement:abc", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, mock.values, "settlement:lock:settlement:abc")

	_, err = r.Acquire(ctx, "settlement:abc", time.Minute)
	assert.ErrorIs(t, err, generic.ErrLocked)

	release()
	assert.Equal(t, 1, mock.evalCalls)
	assert.Empty(t, mock.values)

	_, err = r.Acquire(ctx, "settlement:abc", time.Minute)
	assert.NoError(t, err)
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	r := &Redis{store: mock}

	release, err := r.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// GIVEN: the key expired and someone else took it
	mock.values["settlement:lock:k"] = "someone-else"

	release()

	assert.Equal(t, "someone-else", mock.values["settlement:lock:k"])
}

func TestRedis_SetNXErrorIsWrapped(t *testing.T) {
	mock := newMockCmdable()
	mock.setErr = errors.New("connection refused")
	r := &Redis{store: mock}

	_, err := r.Acquire(context.Background(), "k", time.Minute)

	require.Error(t, err)
	assert.NotErrorIs(t, err, generic.ErrLocked)
	assert.Contains(t, err.Error(), "connection refused")
}
