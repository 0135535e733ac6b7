package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/service"
)

func itoaSeconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds()))
}

// providerView is the public shape of a provider on the login page.
type providerView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// handleAuthProviders lists the providers offered for login. Unauthenticated.
func (s *Server) handleAuthProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.auth.EnabledProviders(r.Context())
	if err != nil {
		writeHTTPError(w, gwerr.Wrap(gwerr.Internal, "provider listing failed", err))
		return
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

// handleAuthLogin starts the PKCE flow and redirects the browser to the
// provider's authorization endpoint. The reserved provider id "local"
// instead checks the break-glass admin password and returns a token.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	providerID := r.FormValue("provider_id")
	password := r.FormValue("password")
	if providerID == "" && r.Header.Get("Content-Type") == "application/json" {
		var body struct {
			ProviderID string `json:"provider_id"`
			Password   string `json:"password"`
		}
		if json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body) == nil {
			providerID = body.ProviderID
			password = body.Password
		}
	}
	if providerID == "" {
		writeHTTPError(w, gwerr.New(gwerr.BadRequest, "provider_id is required"))
		return
	}

	if providerID == service.LocalProviderID {
		result, err := s.auth.LocalLogin(r.Context(), password, clientIP(r))
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      result.Token,
			"expires_in": int(result.ExpiresIn.Seconds()),
		})
		return
	}

	authURL, err := s.auth.InitiateLogin(r.Context(), providerID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthCallback completes the flow. On success the browser is sent to
// the UI with the token in the URL fragment, which never reaches server
// logs. Without a configured UI path the token is returned as JSON.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.callbackFailure(w, r, gwerr.New(gwerr.BadRequest, "missing code or state"))
		return
	}

	result, err := s.auth.HandleCallback(r.Context(), state, code, clientIP(r))
	if err != nil {
		s.callbackFailure(w, r, err)
		return
	}

	if s.uiRedirectPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      result.Token,
			"expires_in": int(result.ExpiresIn.Seconds()),
		})
		return
	}

	fragment := url.Values{}
	fragment.Set("token", result.Token)
	fragment.Set("expires_in", itoaSeconds(result.ExpiresIn))
	http.Redirect(w, r, s.uiRedirectPath+"#"+fragment.Encode(), http.StatusFound)
}

func (s *Server) callbackFailure(w http.ResponseWriter, r *http.Request, err error) {
	if s.uiRedirectPath == "" {
		writeHTTPError(w, err)
		return
	}
	fragment := url.Values{}
	fragment.Set("error", gwerr.ClientMessage(err))
	http.Redirect(w, r, s.uiRedirectPath+"#"+fragment.Encode(), http.StatusFound)
}

// handleAuthUser returns the authenticated principal.
func (s *Server) handleAuthUser(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":     principal.UserID,
		"email":       principal.Email,
		"name":        principal.Name,
		"provider_id": principal.ProviderID,
	})
}

// handleAuthLogout records the logout; the client discards its token.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(r.Context(), principalFrom(r.Context()), clientIP(r))
	w.WriteHeader(http.StatusNoContent)
}
