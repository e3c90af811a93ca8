package main

import (
	"encoding/json"
	"net/http"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/httpapi"
	"github.com/nexagate/apigw/internal/mw"
	"github.com/nexagate/apigw/internal/users"
	"github.com/nexagate/apigw/internal/validate"
)

// authEndpoints implements the built-in /api/v1/auth/* surface: these are
// served directly by the gateway, never forwarded through the request
// pipeline. Kept in the same explicit json.NewDecoder/Encoder,
// no-web-framework style as the rest of cmd/gateway.
type authEndpoints struct {
	store    *users.Store
	verifier *auth.Verifier
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func accountView(a *users.Account) map[string]any {
	return map[string]any{
		"id":       a.ID,
		"username": a.Username,
		"email":    a.Email,
		"roles":    a.Roles,
	}
}

func (e *authEndpoints) register(w http.ResponseWriter, r *http.Request) {
	traceID := mw.RID(r.Context())
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "invalid request body"))
		return
	}
	if details := validate.Registration(req.Username, req.Email, req.Password, req.ConfirmPassword); details != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "Validation failed").WithDetails(details))
		return
	}
	acct, err := e.store.Register(req.Username, req.Email, req.Password)
	if err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, err.Error()))
		return
	}
	tokens, err := e.verifier.Issue(acct.Principal())
	if err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindInternal, "failed to issue tokens"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "registration successful",
		"user":    accountView(acct),
		"tokens":  tokens,
	})
}

func (e *authEndpoints) login(w http.ResponseWriter, r *http.Request) {
	traceID := mw.RID(r.Context())
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindBadRequest, "invalid request body"))
		return
	}
	acct, err := e.store.Authenticate(req.Username, req.Password)
	if err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindUnauthorized, "invalid username or password"))
		return
	}
	tokens, err := e.verifier.Issue(acct.Principal())
	if err != nil {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindInternal, "failed to issue tokens"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "login successful",
		"user":    accountView(acct),
		"tokens":  tokens,
	})
}

func (e *authEndpoints) profile(w http.ResponseWriter, r *http.Request) {
	traceID := mw.RID(r.Context())
	principal, ok := mw.PrincipalFrom(r.Context())
	if !ok {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindUnauthorized, "authentication required"))
		return
	}
	acct, ok := e.store.Get(principal.Subject)
	if !ok {
		httpapi.Write(w, traceID, httpapi.New(httpapi.KindNotFound, "account not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "ok",
		"user":    accountView(acct),
	})
}

func adminOnly(w http.ResponseWriter, r *http.Request) {
	principal, _ := mw.PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "welcome, admin",
		"user":    principal.Username,
	})
}
