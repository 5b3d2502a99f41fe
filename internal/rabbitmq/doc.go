// Package rabbitmq provides the AMQP 0-9-1 transport under the messaging core.
//
// This package includes:
//   - ConnectionManager: owns the shared connection, reconnects with a retry strategy,
//     and answers queue inspection and purge requests on throwaway channels
//   - ChannelPool: confirm-mode channels handed to one caller at a time
//   - Topology: declares the topic exchange, the dead-letter exchange, and every work
//     queue with its paired .dlq queue
//   - Publisher: single confirmed sends
//   - Consumer: consumes several queues on one channel with a shared prefetch limit
//     and graceful or forced stop
//
// Broker access goes through the Connection and Channel interfaces so the
// rabbitmqtest package can stand in for a real broker.
package rabbitmq
