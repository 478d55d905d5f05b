package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
)

func TestLockLadder(t *testing.T) {
	fs := NewMemFS()
	a := openMain(t, fs, "db")
	b := openMain(t, fs, "db")

	require.NoError(t, a.Lock(LockShared))
	require.NoError(t, b.Lock(LockShared))

	reserved, err := b.CheckReservedLock()
	require.NoError(t, err)
	assert.False(t, reserved)

	require.NoError(t, a.Lock(LockReserved))
	assert.ErrorIs(t, b.Lock(LockReserved), pcerrors.ErrBusy)

	reserved, err = b.CheckReservedLock()
	require.NoError(t, err)
	assert.True(t, reserved)

	// b still holds SHARED, so a parks at PENDING.
	assert.ErrorIs(t, a.Lock(LockExclusive), pcerrors.ErrBusy)
	var level LockLevel
	require.NoError(t, a.FileControl(FcntlLockState, &level))
	assert.Equal(t, LockPending, level)

	// PENDING blocks new readers.
	c := openMain(t, fs, "db")
	assert.ErrorIs(t, c.Lock(LockShared), pcerrors.ErrBusy)

	require.NoError(t, b.Unlock(LockNone))
	require.NoError(t, a.Lock(LockExclusive))

	require.NoError(t, a.Unlock(LockShared))
	require.NoError(t, c.Lock(LockShared))
	require.NoError(t, a.Unlock(LockNone))
	require.NoError(t, c.Unlock(LockNone))
}

func TestLockMisuse(t *testing.T) {
	fs := NewMemFS()
	a := openMain(t, fs, "db")

	assert.ErrorIs(t, a.Lock(LockReserved), pcerrors.ErrMisuse)
	assert.ErrorIs(t, a.Lock(LockExclusive), pcerrors.ErrMisuse)
	require.NoError(t, a.Lock(LockShared))
	assert.ErrorIs(t, a.Lock(LockPending), pcerrors.ErrMisuse)
	assert.ErrorIs(t, a.Unlock(LockReserved), pcerrors.ErrMisuse)
}

func TestExclusiveFromShared(t *testing.T) {
	fs := NewMemFS()
	a := openMain(t, fs, "db")
	b := openMain(t, fs, "db")

	require.NoError(t, a.Lock(LockShared))
	require.NoError(t, a.Lock(LockExclusive))
	assert.ErrorIs(t, b.Lock(LockShared), pcerrors.ErrBusy)

	require.NoError(t, a.Unlock(LockShared))
	require.NoError(t, b.Lock(LockShared))
}

func TestCloseReleasesLocks(t *testing.T) {
	fs := NewMemFS()
	a, err := fs.Open("db", OpenReadWrite|OpenCreate|OpenMainDB)
	require.NoError(t, err)
	b := openMain(t, fs, "db")

	require.NoError(t, a.Lock(LockShared))
	require.NoError(t, a.Lock(LockReserved))
	require.NoError(t, a.Close())

	require.NoError(t, b.Lock(LockShared))
	require.NoError(t, b.Lock(LockExclusive))
}

func TestLockLevelString(t *testing.T) {
	assert.Equal(t, "RESERVED", LockReserved.String())
	assert.Equal(t, "LockLevel(9)", LockLevel(9).String())
}
