package lock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/lock"
	"github.com/titan-data/titan/pkg/errclass"
)

func TestAcquire(t *testing.T) {
	mgr := lock.NewManager(t.TempDir(), time.Minute)

	rec, err := mgr.Acquire("serve")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, "serve", rec.Purpose)
	assert.Equal(t, int64(1), rec.FencingToken)

	_, err = mgr.Acquire("reap")
	assert.ErrorIs(t, err, errclass.ErrObjectExists)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	mgr := lock.NewManager(t.TempDir(), 20*time.Millisecond)

	first, err := mgr.Acquire("serve")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	second, err := mgr.Acquire("serve")
	require.NoError(t, err)
	assert.Equal(t, first.FencingToken+1, second.FencingToken)

	_, err = mgr.Renew(first.HolderNonce)
	assert.ErrorIs(t, err, errclass.ErrInvalidState)
	assert.Error(t, mgr.Release(first.HolderNonce))
}

func TestRenewExtendsLease(t *testing.T) {
	mgr := lock.NewManager(t.TempDir(), time.Minute)
	rec, err := mgr.Acquire("serve")
	require.NoError(t, err)

	renewed, err := mgr.Renew(rec.HolderNonce)
	require.NoError(t, err)
	assert.False(t, renewed.ExpiresAt.Before(rec.ExpiresAt))
}

func TestReleaseAndStatus(t *testing.T) {
	mgr := lock.NewManager(t.TempDir(), time.Minute)

	st, err := mgr.Status()
	require.NoError(t, err)
	assert.Nil(t, st)

	rec, err := mgr.Acquire("reap")
	require.NoError(t, err)
	st, err = mgr.Status()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, rec.HolderNonce, st.HolderNonce)

	require.NoError(t, mgr.Release(rec.HolderNonce))
	require.NoError(t, mgr.Release(rec.HolderNonce))

	_, err = mgr.Acquire("serve")
	assert.NoError(t, err)
}
