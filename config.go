// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Environment variables consulted by [NewConfig].
const (
	// EnvEnable enables the client role when set to "1".
	EnvEnable = "SF_MSGBUS_BLACKBOX2_ENABLE"

	// EnvHost overrides the server address (an IP literal).
	EnvHost = "SF_MSGBUS_BLACKBOX2_HOST"

	// EnvPort overrides the server UDP port.
	EnvPort = "SF_MSGBUS_BLACKBOX2_PORT"
)

// DefaultPort is the server port used when [EnvPort] is unset.
const DefaultPort = 23613

// Config holds common configuration for the replication runtime.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Enabled gates the client role. When false, client transports
	// refuse to start and entity factories return nil.
	//
	// Set by [NewConfig] from [EnvEnable].
	Enabled bool

	// ServerAddr is the address clients connect to and servers bind.
	//
	// Set by [NewConfig] from [EnvHost] and [EnvPort], defaulting to
	// 127.0.0.1:[DefaultPort].
	ServerAddr netip.AddrPort

	// NewHost creates the reliable-packet host.
	//
	// Set by [NewConfig] to the shared [DefaultLoopbackFabric]. Inject
	// a factory backed by a reliable-UDP library for cross-process
	// deployments.
	NewHost HostFactory

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Metrics, when non-nil, registers the server-role instruments.
	//
	// Left nil by [NewConfig]: metrics are opt-in.
	Metrics prometheus.Registerer
}

// NewConfig creates a [*Config] with sensible defaults, reading the
// SF_MSGBUS_BLACKBOX2_* environment variables.
func NewConfig() *Config {
	return &Config{
		Enabled:       os.Getenv(EnvEnable) == "1",
		ServerAddr:    serverAddrFromEnv(),
		NewHost:       DefaultLoopbackFabric().NewHost,
		ErrClassifier: DefaultErrClassifier,
		Logger:        DefaultSLogger(),
		TimeNow:       time.Now,
	}
}

// serverAddrFromEnv resolves the server address from the environment,
// falling back to the defaults on unset or unparsable values.
func serverAddrFromEnv() netip.AddrPort {
	addr := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	if v := os.Getenv(EnvHost); v != "" {
		if parsed, err := netip.ParseAddr(v); err == nil {
			addr = parsed
		}
	}
	port := uint16(DefaultPort)
	if v := os.Getenv(EnvPort); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 16); err == nil {
			port = uint16(parsed)
		}
	}
	return netip.AddrPortFrom(addr, port)
}
