package auth

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/clinic-auth/pkg/config"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// minSigningKeyLen is the minimum HS256 key length in bytes.
const minSigningKeyLen = 32

// InternalConfig configures tokens minted and verified by this service.
type InternalConfig struct {
	// SigningKey is the HS256 key. Must be at least 32 bytes.
	SigningKey config.Secret `json:"-" yaml:"signing_key" env:"SIGNING_KEY" required:"true"`

	Issuer   string `json:"issuer" yaml:"issuer" env:"ISSUER" envDefault:"clinic-auth"`
	Audience string `json:"audience" yaml:"audience" env:"AUDIENCE" envDefault:"clinic-api"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl" env:"TOKEN_TTL" envDefault:"24h"`

	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"30s"`

	// CheckRevocation requires the token's jti to name an active credential.
	// Legacy tokens (subject in user_id, no jti) are exempt.
	CheckRevocation bool `json:"check_revocation" yaml:"check_revocation" env:"CHECK_REVOCATION" envDefault:"true"`

	// StoreTimeout bounds the revocation lookup.
	StoreTimeout time.Duration `json:"store_timeout" yaml:"store_timeout" env:"STORE_TIMEOUT" envDefault:"500ms"`
}

// Validate checks the configuration for logical correctness.
func (c *InternalConfig) Validate() error {
	if len(c.SigningKey.Value()) < minSigningKeyLen {
		return sserr.Newf(sserr.CodeValidationRange, "auth: internal signing key must be at least %d bytes", minSigningKeyLen)
	}
	if c.Issuer == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: internal issuer must not be empty")
	}
	if c.TokenTTL <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: internal token TTL must be positive")
	}
	if c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: internal clock skew must be non-negative")
	}
	if c.CheckRevocation && c.StoreTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: internal store timeout must be positive")
	}
	return nil
}

// CredentialLookup is the read side of the credential store used for
// revocation checks.
type CredentialLookup interface {
	FindCredential(ctx context.Context, token string) (*identity.Credential, error)
}

// CredentialWriter records issued credentials.
type CredentialWriter interface {
	InsertCredential(ctx context.Context, c identity.Credential) error
}

// subjectClaims lists where the subject may live, canonical first.
var subjectClaims = []string{ClaimUID, ClaimSubject, ClaimLegacyUser}

// InternalVerifier validates HS256 tokens minted by [TokenIssuer].
//
// InternalVerifier is safe for concurrent use by multiple goroutines.
type InternalVerifier struct {
	cfg    InternalConfig
	creds  CredentialLookup
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ Verifier = (*InternalVerifier)(nil)

// NewInternalVerifier creates an InternalVerifier. creds may be nil when
// cfg.CheckRevocation is false. A nil logger uses slog.Default().
func NewInternalVerifier(cfg InternalConfig, creds CredentialLookup, logger *slog.Logger) (*InternalVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CheckRevocation && creds == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: revocation checks need a credential store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalVerifier{
		cfg:    cfg,
		creds:  creds,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}, nil
}

// Scheme returns SchemeInternal.
func (v *InternalVerifier) Scheme() Scheme { return SchemeInternal }

// Verify validates token and returns its claims verbatim.
//
// CRITICAL: jwt.WithValidMethods restricts accepted algorithms to HS256,
// so an asymmetric token can never be checked with the HMAC key.
func (v *InternalVerifier) Verify(ctx context.Context, token string) (*Verification, error) {
	if err := checkTokenSize(token); err != nil {
		return nil, err
	}

	if err := v.precheck(token); err != nil {
		return nil, err
	}

	ctx, span := v.tracer.Start(ctx, "auth.VerifyInternal")
	defer span.End()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.SigningKey.Value()), nil
	}, opts...)
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return nil, classified
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: invalid internal token claims")
		finishSpan(span, err)
		return nil, err
	}
	claims := maps.Clone(map[string]any(mc))

	subject, from := resolveSubject(claims)
	if subject == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: internal token has no subject claim")
		finishSpan(span, err)
		return nil, err
	}
	if from != ClaimUID {
		v.logger.InfoContext(ctx, "auth: internal token subject read from fallback claim",
			"claim", from,
			"subject", subject,
		)
	}

	if v.cfg.CheckRevocation {
		if err := v.checkRevocation(ctx, claims, subject, from); err != nil {
			finishSpan(span, err)
			return nil, err
		}
	}

	result := &Verification{
		Scheme:  SchemeInternal,
		Subject: subject,
		Claims:  claims,
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	span.SetAttributes(attribute.String("auth.subject", subject))
	return result, nil
}

// precheck hands tokens signed with any other algorithm back to the chain
// without a verdict, so a failing provider token is reported by the
// external scheme. Malformed tokens are left to the full parse.
func (v *InternalVerifier) precheck(token string) error {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	if alg, _ := unverified.Header["alg"].(string); alg != jwt.SigningMethodHS256.Alg() {
		return notApplicable(SchemeInternal, "algorithm "+alg)
	}
	return nil
}

// resolveSubject returns the subject and the claim it was read from.
// Numeric legacy ids are formatted without a fraction.
func resolveSubject(claims map[string]any) (string, string) {
	for _, name := range subjectClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, name
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), name
		}
	}
	return "", ""
}

// checkRevocation requires the jti to name an active credential owned by
// subject. A store failure rejects the token. Legacy tokens carry neither
// a jti nor a recorded credential, so a token whose subject came from the
// legacy claim and that has no jti is accepted on its signature and expiry
// alone.
func (v *InternalVerifier) checkRevocation(ctx context.Context, claims map[string]any, subject, from string) error {
	jti := claimString(claims, ClaimTokenID)
	if jti == "" {
		if from == ClaimLegacyUser {
			v.logger.InfoContext(ctx, "auth: legacy internal token without jti, revocation check skipped",
				"subject", subject,
			)
			return nil
		}
		return sserr.New(sserr.CodeAuthenticationInvalid, "auth: internal token has no jti")
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.StoreTimeout)
	defer cancel()

	cred, err := v.creds.FindCredential(ctx, jti)
	if sserr.IsNotFound(err) {
		return sserr.New(sserr.CodeCredentialRevoked, "auth: credential not found")
	}
	if err != nil {
		return err
	}
	if cred.OwnerID != subject {
		return sserr.New(sserr.CodeAuthenticationInvalid, "auth: credential owner does not match subject")
	}
	if !cred.IsActive(v.now()) {
		return sserr.New(sserr.CodeCredentialRevoked, "auth: credential is revoked or expired")
	}
	return nil
}

// IssuedToken is a freshly minted internal token.
type IssuedToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenIssuer mints internal tokens and records them as credentials.
type TokenIssuer struct {
	cfg    InternalConfig
	store  CredentialWriter
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(cfg InternalConfig, store CredentialWriter) (*TokenIssuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: token issuer needs a credential store")
	}
	return &TokenIssuer{
		cfg:    cfg,
		store:  store,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Issue mints a token for id and records the credential. deviceInfo is
// stored alongside the credential for audit.
func (i *TokenIssuer) Issue(ctx context.Context, id *identity.LocalIdentity, deviceInfo string) (*IssuedToken, error) {
	ctx, span := i.tracer.Start(ctx, "auth.IssueToken")
	defer span.End()

	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.cfg.TokenTTL)
	jti := i.newID()

	claims := jwt.MapClaims{
		ClaimUID:     id.ID,
		ClaimSubject: id.ID,
		ClaimEmail:   id.EmailValue(),
		ClaimRole:    id.Role.String(),
		ClaimRoles:   []string{id.Role.String()},
		ClaimTokenID: jti,
		"iss":        i.cfg.Issuer,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	}
	if i.cfg.Audience != "" {
		claims["aud"] = i.cfg.Audience
	}
	if tenant := id.TenantIDValue(); tenant != "" {
		claims[ClaimTenantID] = tenant
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.SigningKey.Value()))
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeInternal, "auth: failed to sign token")
		finishSpan(span, wrapped)
		return nil, wrapped
	}

	cred := identity.Credential{
		Token:      jti,
		OwnerID:    id.ID,
		IssuedAt:   now,
		ExpiresAt:  exp,
		DeviceInfo: deviceInfo,
	}
	if err := i.store.InsertCredential(ctx, cred); err != nil {
		finishSpan(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.subject", id.ID))
	return &IssuedToken{Token: signed, ID: jti, IssuedAt: now, ExpiresAt: exp}, nil
}
