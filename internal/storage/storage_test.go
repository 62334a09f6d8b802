// SPDX-License-Identifier: MIT

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	_, ok, err := m.Get(KeySessionID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(KeySessionID, []byte("sess-1")))
	v, ok, err := m.Get(KeySessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("sess-1"), v)

	require.NoError(t, m.Delete(KeySessionID))
	_, ok, err = m.Get(KeySessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	in := []byte("original")
	require.NoError(t, m.Set("k", in))
	in[0] = 'X'

	v, _, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v)

	// Mutating the returned slice must not corrupt the stored value either.
	v[0] = 'Y'
	again, _, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestBadgerRoundTrip(t *testing.T) {
	b, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	_, ok, err := b.Get(KeyBacklog)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(KeyBacklog, []byte(`[{"kind":"copy"}]`)))
	v, ok, err := b.Get(KeyBacklog)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"kind":"copy"}]`, string(v))

	require.NoError(t, b.Delete(KeyBacklog))
	_, ok, err = b.Get(KeyBacklog)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, b.Set(KeyVisitHistory, []byte(`{"visits":3}`)))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	v, ok, err := b.Get(KeyVisitHistory)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"visits":3}`, string(v))
}
