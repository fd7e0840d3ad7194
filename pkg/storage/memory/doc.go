// Package memory provides in-process implementations of the gateway's
// stores for tests and single-instance deployments. State is lost when the
// process restarts and is not shared between gateway instances.
package memory
