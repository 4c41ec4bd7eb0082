// Package retry paces repeated attempts at operations that fail
// transiently: broker connections, key-value bucket lookups, service
// installs and time-series writes.
//
// Three loops are offered. Do makes a bounded number of attempts with
// exponential backoff. Until keeps going against a wall-clock budget and
// reports the number of retries, which the ingest writer records per file.
// Schedule.Forever follows a fixed list of delays, the last one repeating,
// and is what the MQTT and NATS transports use to reconnect:
//
//	err := retry.BrokerReconnect.Forever(ctx, b.dial, func(n int, err error) {
//	    logger.Warn("Broker reconnect failed", "attempt", n, "error", err)
//	})
//
// Wrapping an error with NonRetryable stops any of the loops immediately
// and returns it unchanged.
package retry
