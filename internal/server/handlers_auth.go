package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/pkg/apierr"
)

const sessionCookieName = "agentserver_session"

type credentialsRequest struct {
	Password string `json:"password"`
}

// authStatus handles GET /auth/status.
func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Auth.Status(r.Context()))
}

// authSetup handles POST /auth/setup: creates the single local account.
func (s *Server) authSetup(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, "malformed request body"))
		return
	}
	if err := s.deps.Auth.Setup(r.Context(), body.Password); err != nil {
		if errors.Is(err, auth.ErrAccountExists) {
			writeAPIErr(w, apierr.New(apierr.InvalidRequest, err.Error()))
			return
		}
		writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// authLogin handles POST /auth/login: verifies the password and sets
// the cookie session token.
func (s *Server) authLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, "malformed request body"))
		return
	}
	token, err := s.deps.Auth.Login(r.Context(), body.Password)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.Unauthorized, "invalid credentials"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(auth.MaxSessionLifetime),
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// authLogout handles POST /auth/logout: revokes the cookie session.
func (s *Server) authLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		_ = s.deps.Auth.Logout(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// requireCookieWhenRemote gates every other route behind a valid cookie
// session once remote access is enabled; direct local access is left
// unrestricted, mirroring auth.ConnectionPolicy's local_unrestricted case.
func (s *Server) requireCookieWhenRemote(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.RemoteAccessEnabled {
			next.ServeHTTP(w, r)
			return
		}
		c, err := r.Cookie(sessionCookieName)
		if err != nil {
			writeAPIErr(w, apierr.New(apierr.Unauthorized, "authentication required"))
			return
		}
		ok, err := s.deps.Auth.ValidateCookie(r.Context(), c.Value)
		if err != nil {
			writeAPIErr(w, err)
			return
		}
		if !ok {
			writeAPIErr(w, apierr.New(apierr.Unauthorized, "invalid or expired session"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
