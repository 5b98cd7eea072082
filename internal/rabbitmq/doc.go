// Package rabbitmq provides the AMQP plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: connects to the first reachable server of a list, injects
//     credentials and reconnects after the connection drops
//   - Topology: the exchange, queues and bindings a transport declares
//
// Reconnection is bounded by a maximum number of rounds with a fixed wait between
// them; listeners registered with AddStateListener are told about every transition.
package rabbitmq
