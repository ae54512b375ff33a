// Package session owns the isolated execution environments agents run in.
//
// # Overview
//
// A session models one isolated desktop environment on a worker host: a
// host user, a port, and the agent process living inside it. The Manager
// is the registry; the Provisioner interface hides the host-OS work of
// actually creating users and sessions.
//
// Sessions keep a stable external id across recycles. Each recycle
// replaces the underlying host session and bumps the Generation counter,
// so the agent's back-reference never changes while logs can still tell
// incarnations apart.
//
// The manager never performs provisioner I/O while holding its lock:
// operations snapshot under the lock, call out, and commit afterwards,
// tolerating sessions that disappeared in between.
package session
