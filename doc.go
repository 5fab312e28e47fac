// SPDX-License-Identifier: GPL-3.0-or-later

// Package blackbox2 is the replication runtime of a blackbox
// observability fabric for a multi-process publish/subscribe
// middleware. Instrumented processes announce their topology (process,
// channels, executors, nodes, I/O handles) to a central registry,
// stream runtime events, and answer requests; a monitoring tool
// observes the live hierarchical model on the server side.
//
// # Core Abstraction
//
// The runtime replicates entities across a reliable-packet connection:
//
//   - A [Stub] is the client-side original. It owns one peer connection
//     to the server, drives the attach handshake that assigns it an
//     instance id, reconnects and re-attaches automatically, and gates
//     all traffic on its activation state.
//
//   - A [Proxy] is the server-side mirror: it holds the entity's last
//     announced state and broadcasts lifecycle signals to observers.
//
// Both sit on [Object], the peer-bound endpoint that keeps handler
// registrations alive across reconnects, and on [Transport], which owns
// the packet host, the single backend goroutine, and the session-based
// request/response bookkeeping.
//
// # Roles
//
//   - [Client] is the process role: the process-level stub plus the
//     factories for channel, executor, and node stubs parented to it.
//     It is enabled with the SF_MSGBUS_BLACKBOX2_ENABLE environment
//     variable; while disabled, every factory returns nil and the
//     instrumentation is inert.
//
//   - [Server] is the registry role: it accepts peers, mirrors each
//     attach with the matching proxy, enforces parent existence for
//     child entities, and removes entries on disconnect.
//
// # Hierarchy
//
// Channels, executors, and nodes are children of the process; handles
// are children of a node. A child stub defers its attach until its
// parent's instance id is known and rewrites the owner reference in its
// attach payload on every parent re-attach, so the hierarchy survives
// reconnects with freshly assigned ids.
//
// # Transport Model
//
// The packet layer is consumed through the [Host] interface: a
// connection-oriented, reliable, ordered packet service with per-peer
// timeouts and select-style readiness, such as a reliable-UDP library.
// [LoopbackFabric] is an in-memory implementation used by default; it
// serves tests and same-process wiring. Each [Transport] runs one
// backend goroutine that drains host events and dispatches handlers
// with the transport mutex released, waking from its readiness wait
// through a [WakePipe].
//
// Every packet starts with a fixed 12-byte header (version, type,
// opcode, session, extra data); payloads are opaque to the transport.
// Requests correlate with responses by session id, allocated
// monotonically across all peers of one transport.
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible
// with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom
// *slog.Logger to enable logging. Error classification is configurable
// via [ErrClassifier]; by default, errors are classified with errclass.
//
// Lifecycle events (connect, attach, activation, registry changes) are
// emitted at Info; per-packet events at Debug. Use [NewSpanID] to
// correlate entries: each stub tags its whole reconnect loop with one
// span ID. Wrap a [HostFactory] with [ObserveHostFunc] to additionally
// log every packet-layer operation. Server-side registry instruments
// are published through [Config.Metrics].
//
// # Design Boundaries
//
// The runtime does not guarantee cross-peer ordering, does not persist
// state, and does not authenticate peers. Entity payload schemas are
// interpreted only at the entity layer; the transport and the attach
// machinery treat them as opaque bytes.
package blackbox2
