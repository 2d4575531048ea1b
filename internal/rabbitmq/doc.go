// Package rabbitmq provides the broker integration layer for kinebus.
//
// This package includes:
//   - ConnectionManager: owns the process-wide connection, retries
//     establishment with exponential backoff, and reconnects on broker close
//   - ChannelRegistry: maps queue names to long-lived consumer channels and
//     recreates a channel automatically when the broker faults it
//   - Publisher: channel-per-operation publishing with optional publisher
//     confirms in lenient or wait-or-die mode, including batch publishes
//   - Consumer: per-queue dedicated channels with QoS, resuming consumption
//     after a channel fault via the registry's recreate hook
//   - TopologyManager: exchange, queue, and binding declarations
//
// Channels are single-owner: a consumer loop never shares its channel, and
// publishes open short-lived channels to avoid cross-call interference.
package rabbitmq
