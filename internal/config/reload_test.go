// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReloadAppliesValidConfig(t *testing.T) {
	path := writeConfig(t, "sample_rate: 1.0\n")
	loader := NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	updates := make(chan Config, 1)
	h.Subscribe(updates)

	require.NoError(t, os.WriteFile(path, []byte("sample_rate: 0.25\n"), 0o644))
	require.NoError(t, h.Reload(context.Background()))

	assert.Equal(t, 0.25, h.Get().SampleRate)
	select {
	case cfg := <-updates:
		assert.Equal(t, 0.25, cfg.SampleRate)
	default:
		t.Fatal("subscriber not notified")
	}
}

func TestHolderReloadKeepsPreviousOnFailure(t *testing.T) {
	path := writeConfig(t, "sample_rate: 0.75\n")
	loader := NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("sample_rate: 7\n"), 0o644))
	assert.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 0.75, h.Get().SampleRate)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "sample_rate: 1.0\n")
	loader := NewLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("sample_rate: 0.5\n"), 0o644))

	require.Eventually(t, func() bool {
		return h.Get().SampleRate == 0.5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchWithoutFileIsNoop(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader(""))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, h.Watch(ctx))
}
