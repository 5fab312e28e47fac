// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"net/netip"
	"time"
)

// NewObserveHostFunc returns a new [*ObserveHostFunc] with default logging.
//
// The cfg argument contains the common configuration for the runtime.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveHostFunc(cfg *Config, logger SLogger) *ObserveHostFunc {
	return &ObserveHostFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveHostFunc wraps a [Host] to log its operations and events.
//
// This primitive provides observability for the packet layer by logging
// connect attempts, sends, and every event drained via Poll. Wrap a
// [HostFactory] with [*ObserveHostFunc.Factory] to observe every host a
// [Transport] creates.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Wrap].
type ObserveHostFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveHostFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObserveHostFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObserveHostFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Wrap returns a [Host] that forwards to host and logs.
func (op *ObserveHostFunc) Wrap(host Host) Host {
	return &observedHost{host: host, op: op}
}

// Factory returns a [HostFactory] that creates hosts through next and
// wraps each one.
func (op *ObserveHostFunc) Factory(next HostFactory) HostFactory {
	return func(bind *netip.AddrPort) (Host, error) {
		host, err := next(bind)
		if err != nil {
			return nil, err
		}
		return op.Wrap(host), nil
	}
}

// observedHost observes a [Host].
type observedHost struct {
	host Host
	op   *ObserveHostFunc
}

var _ Host = &observedHost{}

// peerAttrs returns the common log fields for a peer.
func peerAttrs(peer *Peer) []any {
	if peer == nil {
		return []any{slog.Uint64("peer", 0)}
	}
	return []any{
		slog.Uint64("peer", peer.ID),
		slog.String("remoteAddr", peer.Addr.String()),
	}
}

// Connect implements [Host].
func (h *observedHost) Connect(addr netip.AddrPort) (*Peer, error) {
	t0 := h.op.TimeNow()
	h.op.Logger.Info(
		"hostConnectStart",
		slog.String("remoteAddr", addr.String()),
		slog.Time("t", t0),
	)
	peer, err := h.host.Connect(addr)
	h.op.Logger.Info(
		"hostConnectDone",
		append(peerAttrs(peer),
			slog.Any("err", err),
			slog.String("errClass", h.op.ErrClassifier.Classify(err)),
			slog.Time("t0", t0),
			slog.Time("t", h.op.TimeNow()))...,
	)
	return peer, err
}

// Disconnect implements [Host].
func (h *observedHost) Disconnect(peer *Peer) error {
	err := h.host.Disconnect(peer)
	h.op.Logger.Info(
		"hostDisconnect",
		append(peerAttrs(peer),
			slog.Any("err", err),
			slog.String("errClass", h.op.ErrClassifier.Classify(err)),
			slog.Time("t", h.op.TimeNow()))...,
	)
	return err
}

// Send implements [Host].
func (h *observedHost) Send(peer *Peer, data []byte) error {
	t0 := h.op.TimeNow()
	err := h.host.Send(peer, data)
	h.op.Logger.Debug(
		"hostSend",
		append(peerAttrs(peer),
			slog.Int("ioBytesCount", len(data)),
			slog.Any("err", err),
			slog.String("errClass", h.op.ErrClassifier.Classify(err)),
			slog.Time("t0", t0),
			slog.Time("t", h.op.TimeNow()))...,
	)
	return err
}

// Poll implements [Host].
func (h *observedHost) Poll() (HostEvent, bool) {
	evt, ok := h.host.Poll()
	if !ok {
		return evt, false
	}
	switch evt.Kind {
	case HostEventReceive:
		h.op.Logger.Debug(
			"hostReceive",
			append(peerAttrs(evt.Peer),
				slog.Int("ioBytesCount", len(evt.Data)),
				slog.Time("t", h.op.TimeNow()))...,
		)
	case HostEventConnect:
		h.op.Logger.Info(
			"hostPeerConnected",
			append(peerAttrs(evt.Peer), slog.Time("t", h.op.TimeNow()))...,
		)
	case HostEventDisconnect:
		h.op.Logger.Info(
			"hostPeerDisconnected",
			append(peerAttrs(evt.Peer), slog.Time("t", h.op.TimeNow()))...,
		)
	}
	return evt, true
}

// SetPeerTimeout implements [Host].
func (h *observedHost) SetPeerTimeout(peer *Peer, retries uint32, minRTT, maxRTT time.Duration) {
	h.op.Logger.Debug(
		"hostSetPeerTimeout",
		append(peerAttrs(peer),
			slog.Uint64("retries", uint64(retries)),
			slog.Duration("minRTT", minRTT),
			slog.Duration("maxRTT", maxRTT))...,
	)
	h.host.SetPeerTimeout(peer, retries, minRTT, maxRTT)
}

// ReadinessHandle implements [Host].
func (h *observedHost) ReadinessHandle() int {
	return h.host.ReadinessHandle()
}

// Close implements [Host].
func (h *observedHost) Close() error {
	t0 := h.op.TimeNow()
	err := h.host.Close()
	h.op.Logger.Info(
		"hostClose",
		slog.Any("err", err),
		slog.String("errClass", h.op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", h.op.TimeNow()),
	)
	return err
}
