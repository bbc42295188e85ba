package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverPersistsAddresses(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenResolver(dir)
	require.NoError(t, err)

	_, err = r.Resolve(1)
	require.ErrorIs(t, err, ErrStoreAddressUnknown)

	require.NoError(t, r.Update(1, "127.0.0.1:20160"))
	require.NoError(t, r.Update(2, "127.0.0.1:20161"))
	require.NoError(t, r.Update(2, "127.0.0.1:20162"))
	require.NoError(t, r.Update(3, "127.0.0.1:20163"))
	require.NoError(t, r.Remove(3))
	assert.Error(t, r.Update(4, ""))
	require.NoError(t, r.Close())

	reopened, err := OpenResolver(dir)
	require.NoError(t, err)
	defer reopened.Close()
	addr, err := reopened.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:20162", addr)
	assert.Equal(t, map[uint64]string{1: "127.0.0.1:20160", 2: "127.0.0.1:20162"}, reopened.Stores())
}
