// Package broker implements the OAuth authorization flow against remote MCP
// servers and the session state machine that tracks it.
//
// A flow moves through four stored states:
//
//	pending    — session created, authorization URL issued, waiting for the
//	             provider to redirect the user back
//	exchanging — callback validated, authorization code being exchanged and
//	             tool discovery in flight
//	success    — tool listing retrieved from the target
//	error      — terminal failure, carrying a structured error
//
// Transitions are monotonic: once a state is left it is never revisited, and
// success/error are terminal. The CSRF state token binding a callback to its
// session is consumed atomically on first use, so duplicate or forged
// callbacks never mutate a session twice.
//
// External calls (metadata discovery, token exchange, tool listing) each
// carry their own bounded timeout and run outside the store lock; only state
// transition commits are serialized per session.
package broker
