// Package auth authenticates agents and operators with HS256 JWTs.
//
// Tokens carry a subject ("sub") and a role ("role"). Agents present a token
// with RoleAgent when opening a stream: as an Authorization header on the
// WebSocket upgrade, or as "authorization" metadata on the gRPC relay
// stream. Operators present a RoleOperator token to the HTTP API.
//
// Authentication is optional: when the gateway has no jwt_secret, none of
// the middleware is installed and a warning is logged at startup.
//
// # Context
//
// Verified identities are attached to the request or stream context:
//
//	if a := auth.FromContext(ctx); a != nil {
//	    logger.Info("request", "subject", a.Subject)
//	}
package auth
