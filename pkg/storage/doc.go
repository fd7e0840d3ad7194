// Package storage provides utilities shared across the gateway's store
// backends: the sentinel errors they translate driver failures into.
//
// Backends (memory, postgres, redis) implement the store interfaces declared
// by the packages that consume them: secrets.Store, ratelimit.CounterStore,
// abuse.Store and replay.DedupStore.
package storage
