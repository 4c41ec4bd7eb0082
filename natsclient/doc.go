// Package natsclient manages the NATS connection behind the broker layer.
//
// A Client dials once per Connect call and guards dialling with a circuit
// breaker; after a successful dial the NATS library reconnects on its own,
// pacing attempts with retry.BrokerReconnect. Subscriptions made through
// the client are dropped on Close.
//
// JetStream key-value buckets back the project database. KV adds
// per-operation timeouts, a value size limit and revision-checked writes on
// top of a bucket.
package natsclient
