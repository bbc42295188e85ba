package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyxkv/internal/raftstore/snap"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSnapListEmptyDir(t *testing.T) {
	out, err := runCmd(t, "snap", "ls", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "REGION")
}

func TestSnapCheckMissing(t *testing.T) {
	_, err := runCmd(t, "snap", "check", t.TempDir(), "1", "5", "10")
	assert.ErrorIs(t, err, snap.ErrSnapshotMissing)

	_, err = runCmd(t, "snap", "check", t.TempDir(), "1", "five", "10")
	assert.Error(t, err)
}
