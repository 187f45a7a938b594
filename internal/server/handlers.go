package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

const (
	healthTimeout = 2 * time.Second
	maxBodyBytes  = 64 << 10
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.opts.Health))
	for name := range s.opts.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := s.opts.Health[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			s.logger.WarnContext(ctx, "server: health check failed", "dependency", name, "error", err)
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type identityResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	TenantID string `json:"tenantId,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, identityResponse{
		ID:       id.ID(),
		Email:    id.Email(),
		Role:     id.Role().String(),
		TenantID: id.TenantID(),
		Scheme:   id.Scheme().String(),
	})
}

type exchangeRequest struct {
	ProviderToken string `json:"providerToken"`
	DeviceInfo    string `json:"deviceInfo"`
}

type exchangeResponse struct {
	AccessToken string           `json:"accessToken"`
	TokenType   string           `json:"tokenType"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Identity    identityResponse `json:"identity"`
}

// handleExchange is the login exchange: a provider token in, an internal
// token out.
func (s *server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeErr(w, r, sserr.Wrap(err, sserr.CodeValidationFormat, "request body must be JSON"))
		return
	}
	if req.ProviderToken == "" {
		s.writeErr(w, r, sserr.New(sserr.CodeValidationRequired, "providerToken is required"))
		return
	}
	if req.DeviceInfo == "" {
		req.DeviceInfo = r.UserAgent()
	}

	res, err := s.opts.Exchanger.Exchange(r.Context(), req.ProviderToken, req.DeviceInfo)
	if err != nil {
		// One answer for every credential problem, whatever the cause.
		if sserr.IsAuthentication(err) || sserr.IsConflict(err) {
			s.logger.WarnContext(r.Context(), "server: login exchange rejected", "error", err)
			s.writeErr(w, r, sserr.New(sserr.CodeAuthenticationInvalid, "invalid provider token"))
			return
		}
		s.writeErr(w, r, err)
		return
	}

	li := res.Identity
	writeJSON(w, http.StatusOK, exchangeResponse{
		AccessToken: res.Token.Token,
		TokenType:   "Bearer",
		ExpiresAt:   res.Token.ExpiresAt,
		Identity: identityResponse{
			ID:       li.ID,
			Email:    li.EmailValue(),
			Role:     li.Role.String(),
			TenantID: li.TenantIDValue(),
			Scheme:   auth.SchemeInternal.String(),
		},
	})
}

// handleLogout revokes the credential behind the caller's internal token.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustIdentityFromContext(r.Context())
	if id.Scheme() != auth.SchemeInternal {
		s.writeErr(w, r, sserr.New(sserr.CodeValidation, "only internally issued tokens can be revoked"))
		return
	}
	jti, _ := id.Claims()[auth.ClaimTokenID].(string)
	if jti == "" {
		s.writeErr(w, r, sserr.New(sserr.CodeValidationRequired, "token has no credential id"))
		return
	}
	if _, err := s.opts.Revoker.RevokeCredentials(r.Context(), []string{jti}, s.now()); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.opts.Scheduler.Runs()})
}

func (s *server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	run, err := s.opts.Scheduler.RunNow(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
