// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With a clean environment, the client role is disabled and the
// default server address is used.
func TestNewConfigDefaults(t *testing.T) {
	t.Setenv(EnvEnable, "")
	t.Setenv(EnvHost, "")
	t.Setenv(EnvPort, "")

	cfg := NewConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.ServerAddr.Addr().String())
	assert.EqualValues(t, DefaultPort, cfg.ServerAddr.Port())
	assert.NotNil(t, cfg.NewHost)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.ErrClassifier)
	assert.NotNil(t, cfg.TimeNow)
	assert.Nil(t, cfg.Metrics)
}

// The environment variables enable the role and override the address.
func TestNewConfigFromEnvironment(t *testing.T) {
	t.Setenv(EnvEnable, "1")
	t.Setenv(EnvHost, "10.1.2.3")
	t.Setenv(EnvPort, "4321")

	cfg := NewConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "10.1.2.3", cfg.ServerAddr.Addr().String())
	assert.EqualValues(t, 4321, cfg.ServerAddr.Port())
}

// Anything but "1" leaves the role disabled, and garbage address
// values fall back to the defaults.
func TestNewConfigBadValues(t *testing.T) {
	t.Setenv(EnvEnable, "true")
	t.Setenv(EnvHost, "not-an-ip")
	t.Setenv(EnvPort, "99999999")

	cfg := NewConfig()

	require.False(t, cfg.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.ServerAddr.Addr().String())
	assert.EqualValues(t, DefaultPort, cfg.ServerAddr.Port())
}
