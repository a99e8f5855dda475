// Package ballot drives a voter through the categories of one election.
//
// Machine is a pure state machine: Apply takes an Event and either rejects it with no
// state change or performs the transition and returns the Effect the caller must run.
// Session wraps a Machine with the I/O it needs (token acquisition, batch commit,
// token consumption) and publishes a Snapshot after every transition.
//
// All network commitment is deferred to a single batch commit after the last category.
package ballot
