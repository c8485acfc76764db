// Package auth provides bearer-token authentication for the inbound API.
//
// # Verifiers
//
// Two TokenVerifier implementations are available, selected by auth.mode:
//
//   - JWTVerifier: HS256 signed JWTs; the principal is the "sub" claim.
//     Also mints tokens (Generate), which the fake backend uses for
//     per-session credentials.
//   - StaticVerifier: a fixed list of bcrypt-hashed shared tokens from the
//     config file; suited to single-tenant deployments without a token
//     issuer.
//
// # Middleware
//
// Middleware wraps API handlers, rejects requests the verifier does not
// accept with a 401 JSON error, and attaches the verified Principal to the
// request context:
//
//	principal, ok := auth.PrincipalFromContext(r.Context())
//
// With auth.mode "none" the gateway skips the middleware entirely.
package auth
