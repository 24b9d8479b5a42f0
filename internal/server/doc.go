// Package server implements the connection/session broadcast core of the
// Parley chat service.
//
// The implementation is organized into specialized files: the hub and its
// publish loop, the per-connection client state machine, the session store,
// the auth gate, wire envelopes, configuration, and the HTTP surface.
// Persistence and user lookup are collaborator interfaces implemented
// elsewhere (see internal/store).
package server
