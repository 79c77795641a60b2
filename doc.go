// Package authsentry is an embeddable authentication and session-security
// engine: password and federated login, rotating refresh tokens, two-factor
// enrollment and verification, brute-force lockout, and step-up
// re-authentication for sensitive operations.
//
// The root package is the public surface. It exposes [Engine], [Builder],
// [Config], sentinel errors, and value types. Construct an Engine through
// [New]; after [Builder.Build] every Engine method is safe for concurrent
// use.
//
// Durable state (identities, sessions, refresh tokens, 2FA configuration)
// lives behind the store contract in package store, with Postgres and
// in-memory implementations provided. Volatile TTL-shaped state (failed
// login counters, one-time codes, step-up proofs) lives in Redis.
//
// Access tokens are JWTs signed with a key derived from the service secret
// plus a per-identity secret; rotating the identity secret on password
// change invalidates every outstanding access token without server-side
// token storage. Refresh, re-auth, and recovery tokens are opaque random
// values hashed at rest and never signed or decoded.
package authsentry
