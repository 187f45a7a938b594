package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// BridgeConfig configures the [Bridge] middleware.
type BridgeConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"true"`

	// Header is the side-channel header carrying the provider token.
	Header string `json:"header" yaml:"header" env:"HEADER" envDefault:"X-Provider-Token"`
}

// Bridge exchanges a provider token found in a side-channel header for an
// internal token and rewrites the Authorization header before the
// [Authenticator] runs.
//
// Failures are logged and the request continues unchanged; the bridge only
// changes which scheme produces the identity, never whether one exists.
type Bridge struct {
	header    string
	exchanger Exchanger
	logger    *slog.Logger
}

// NewBridge creates a Bridge reading header (DefaultBridgeHeader when
// empty). A nil logger uses slog.Default().
func NewBridge(exchanger Exchanger, header string, logger *slog.Logger) *Bridge {
	if header == "" {
		header = DefaultBridgeHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{header: header, exchanger: exchanger, logger: logger}
}

// Middleware implements the bridge as HTTP middleware.
func (b *Bridge) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(b.header))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := raw
		if bearer := ExtractBearerToken(raw); bearer != "" {
			token = bearer
		}

		res, err := b.exchanger.Exchange(r.Context(), token, r.UserAgent())
		if err != nil {
			b.logger.WarnContext(r.Context(), "auth: provider token exchange failed, request continues unchanged",
				"error", err,
				"header", b.header,
			)
			next.ServeHTTP(w, r)
			return
		}

		r = r.Clone(r.Context())
		r.Header.Set(HeaderAuthorization, BearerHeader(res.Token.Token))
		r.Header.Del(b.header)
		b.logger.DebugContext(r.Context(), "auth: provider token exchanged",
			"identity_id", res.Identity.ID,
			"credential", res.Token.ID,
		)
		next.ServeHTTP(w, r)
	})
}
