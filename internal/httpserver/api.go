package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/notewire/signal-server/internal/auth"
	"github.com/notewire/signal-server/internal/directory"
	"github.com/notewire/signal-server/internal/keyring"
	"github.com/notewire/signal-server/internal/metrics"
)

// API serves user registration, lookup, and the two-stage auth handshake.
type API struct {
	log  *slog.Logger
	dir  directory.Directory
	auth *auth.Authenticator
	met  *metrics.Metrics
}

func NewAPI(logger *slog.Logger, dir directory.Directory, authenticator *auth.Authenticator, met *metrics.Metrics) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{log: logger, dir: dir, auth: authenticator, met: met}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /token/{username}", a.handleSessionToken)
	mux.HandleFunc("POST /auth", a.handleAuth)
	mux.HandleFunc("GET /users/name/{username}", a.handleFindByName)
	mux.HandleFunc("GET /users/fingerprint/{fingerprint}", a.handleFindByFingerprint)
	mux.HandleFunc("POST /users", a.handleRegister)
}

func (a *API) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PathValue("username"))

	sessionToken, err := a.auth.SessionTokenFor(r.Context(), username)
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case err != nil:
		a.log.Error("session token mint failed", "username", username, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"sessionToken": sessionToken})
	}
}

type authRequest struct {
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	Signature   string `json:"signature"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	authToken, err := a.auth.Authenticate(r.Context(), req.Username, req.Fingerprint, req.Signature)
	if err != nil {
		// Credential failures are ordinary 200 responses with a failure flag,
		// so clients can tell "wrong credentials" from "server broken".
		var message string
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			message = "User not found"
		case errors.Is(err, auth.ErrFingerprintMismatch):
			message = "Wrong fingerprint"
		case errors.Is(err, auth.ErrInvalidSignature):
			message = "Invalid signature"
		default:
			a.log.Error("authentication failed", "username", req.Username, "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		a.met.Inc(metrics.AuthFailed)
		WriteJSON(w, http.StatusOK, authResponse{Success: false, Message: message})
		return
	}

	a.met.Inc(metrics.AuthSucceeded)
	WriteJSON(w, http.StatusOK, authResponse{Success: true, Token: authToken})
}

func (a *API) handleFindByName(w http.ResponseWriter, r *http.Request) {
	a.respondIdentity(w, r, func() (directory.Identity, error) {
		return a.dir.FindByUsername(r.Context(), r.PathValue("username"))
	})
}

func (a *API) handleFindByFingerprint(w http.ResponseWriter, r *http.Request) {
	a.respondIdentity(w, r, func() (directory.Identity, error) {
		return a.dir.FindByFingerprint(r.Context(), r.PathValue("fingerprint"))
	})
}

func (a *API) respondIdentity(w http.ResponseWriter, r *http.Request, lookup func() (directory.Identity, error)) {
	identity, err := lookup()
	switch {
	case errors.Is(err, directory.ErrNotFound):
		http.Error(w, "User does not exist!", http.StatusNotFound)
	case err != nil:
		a.log.Error("identity lookup failed", "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		WriteJSON(w, http.StatusOK, identity.Public())
	}
}

type registerRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	username := directory.Normalize(req.Username)
	if username == "" || req.PublicKey == "" {
		http.Error(w, "username and publicKey are required", http.StatusBadRequest)
		return
	}

	key, err := keyring.ParsePublicKey(req.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	identity := directory.Identity{
		Username:    username,
		Fingerprint: key.Fingerprint(),
		PublicKey:   req.PublicKey,
	}
	if err := a.dir.Create(r.Context(), identity); err != nil {
		if errors.Is(err, directory.ErrDuplicate) {
			http.Error(w, "user already exists", http.StatusBadRequest)
			return
		}
		a.log.Error("user registration failed", "username", username, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	a.log.Info("registered a new user", "username", username, "fingerprint", identity.Fingerprint)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Registered a new user."})
}
