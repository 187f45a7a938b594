package auth

import (
	"strings"
)

const (
	// HeaderAuthorization is the primary credential header. Both schemes
	// arrive as "Bearer <token>".
	HeaderAuthorization = "Authorization"

	// DefaultBridgeHeader is the side-channel header carrying a provider
	// token for the [Bridge] middleware.
	DefaultBridgeHeader = "X-Provider-Token"

	// grpcAuthorization is the gRPC metadata key for the bearer token.
	// Metadata keys are lower case.
	grpcAuthorization = "authorization"
)

// maxTokenSize is the maximum accepted size for a token string (8 KB).
const maxTokenSize = 8192

// bearerPrefix is the standard "Bearer " prefix for authorization tokens.
const bearerPrefix = "Bearer "

// ExtractBearerToken extracts the token from an authorization header value.
// It handles the "Bearer " prefix case-insensitively.
// Returns an empty string if the header is empty or does not have a bearer prefix.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	prefix := authHeader[:len(bearerPrefix)]
	if !strings.EqualFold(prefix, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// BearerHeader formats token as an Authorization header value.
func BearerHeader(token string) string {
	return bearerPrefix + token
}
