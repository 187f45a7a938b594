package auth

import (
	"context"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// ExchangeResult is the outcome of a successful login exchange.
type ExchangeResult struct {
	Identity *identity.LocalIdentity
	Token    *IssuedToken
}

// Exchanger trades a provider token for an internal token.
type Exchanger interface {
	Exchange(ctx context.Context, providerToken, deviceInfo string) (*ExchangeResult, error)
}

// LoginExchange verifies a provider token, materializes its identity and
// mints an internal token for it. The login endpoint and the [Bridge]
// both use it.
type LoginExchange struct {
	verifier     Verifier
	materializer *Materializer
	issuer       *TokenIssuer
}

var _ Exchanger = (*LoginExchange)(nil)

// NewLoginExchange creates a LoginExchange. verifier must verify the
// external scheme.
func NewLoginExchange(verifier Verifier, materializer *Materializer, issuer *TokenIssuer) (*LoginExchange, error) {
	if verifier == nil || materializer == nil || issuer == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: login exchange needs a verifier, materializer and issuer")
	}
	if verifier.Scheme() != SchemeExternal {
		return nil, sserr.Newf(sserr.CodeInternalConfiguration, "auth: login exchange needs an external verifier, got %s", verifier.Scheme())
	}
	return &LoginExchange{verifier: verifier, materializer: materializer, issuer: issuer}, nil
}

// Exchange verifies providerToken and returns a freshly issued internal
// token for the materialized identity.
func (e *LoginExchange) Exchange(ctx context.Context, providerToken, deviceInfo string) (*ExchangeResult, error) {
	v, err := e.verifier.Verify(ctx, providerToken)
	if err != nil {
		return nil, err
	}
	if v.External == nil {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: verification carried no external claims")
	}
	m, err := e.materializer.Materialize(ctx, v.External)
	if err != nil {
		return nil, err
	}
	issued, err := e.issuer.Issue(ctx, m.Identity, deviceInfo)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{Identity: m.Identity, Token: issued}, nil
}
