// Package model contains the domain models of the broker: messages with their
// delivery state machine, statistics snapshots and the durable record codec.
package model
