// Package secrets resolves a tenant id to the signing credentials used to
// verify its requests.
//
// A Resolver consults an injected TTL Cache first. On a miss it reads the
// current credential from the Store and, when rotation overlap is enabled,
// the pending credential as well, so both secrets validate during a
// rotation. Concurrent misses for the same tenant share a single store
// round trip.
package secrets
