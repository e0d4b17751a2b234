package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMarkerTouchWritesRunID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	id := uuid.New()
	m := newRunMarker(path, id)

	require.NoError(t, m.Touch())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id.String()+"\n", string(data))
}

func TestRunMarkerRemoveDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	m := newRunMarker(path, uuid.New())
	require.NoError(t, m.Touch())

	require.NoError(t, m.Remove())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunMarkerRemoveIsNoopWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue")
	m := newRunMarker(path, uuid.New())

	assert.NoError(t, m.Remove())
}
