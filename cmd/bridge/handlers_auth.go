package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Fmsticks2/SealGuard-sub002/internal/auth"
	"github.com/Fmsticks2/SealGuard-sub002/internal/ethsign"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// =============================================================================
// Health Handler
// =============================================================================

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"service":   "bridge",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// =============================================================================
// Auth Handlers
// =============================================================================

// challengeHandler mints a single-use nonce for an address. The challenge
// message itself is rebuilt on both sides from the returned fields, so
// only the nonce and issuance time travel.
func challengeHandler(srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request", http.StatusBadRequest)
			return
		}
		if !addressPattern.MatchString(req.Address) {
			jsonError(w, "invalid address", http.StatusBadRequest)
			return
		}

		if !srv.limiter.allow(req.Address) {
			jsonError(w, "too many challenge requests", http.StatusTooManyRequests)
			return
		}

		nonce, err := generateNonce()
		if err != nil {
			jsonError(w, "failed to generate nonce", http.StatusInternalServerError)
			return
		}

		issuedAt := time.Now().UTC()
		rec := NonceRecord{Address: req.Address, Nonce: nonce, IssuedAt: issuedAt}
		if err := srv.store.PutNonce(r.Context(), rec, srv.cfg.NonceTTL); err != nil {
			srv.log.WithError(err).Error("store nonce")
			jsonError(w, "failed to store nonce", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"nonce":    nonce,
			"issuedAt": issuedAt.Unix(),
		})
	}
}

// verifyHandler consumes a nonce and mints a session token when the
// signature proves ownership of the address. The nonce is consumed on
// every attempt; a failed verification forces a fresh challenge.
func verifyHandler(srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address   string `json:"address"`
			Signature string `json:"signature"`
			Nonce     string `json:"nonce"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request", http.StatusBadRequest)
			return
		}
		if !addressPattern.MatchString(req.Address) || req.Signature == "" || req.Nonce == "" {
			jsonError(w, "address, signature, and nonce are required", http.StatusBadRequest)
			return
		}

		rec, err := srv.store.TakeNonce(r.Context(), req.Address)
		if err == ErrNonceNotFound {
			jsonError(w, "nonce already used or never issued", http.StatusConflict)
			return
		}
		if err != nil {
			srv.log.WithError(err).Error("take nonce")
			jsonError(w, "nonce lookup failed", http.StatusInternalServerError)
			return
		}
		if rec.Nonce != req.Nonce {
			jsonError(w, "invalid nonce", http.StatusConflict)
			return
		}
		if time.Since(rec.IssuedAt) > srv.cfg.NonceTTL {
			jsonError(w, "challenge expired", http.StatusGone)
			return
		}

		message := auth.ChallengeMessage(srv.cfg.AuthDomain, req.Address, srv.cfg.ChainID, rec.Nonce, rec.IssuedAt.Unix())
		signer, err := ethsign.RecoverAddress([]byte(message), req.Signature)
		if err != nil || !ethsign.EqualAddress(signer, req.Address) {
			jsonError(w, "invalid signature - wallet ownership verification failed", http.StatusUnauthorized)
			return
		}

		token, err := generateJWT(srv.cfg.JWTSecret, req.Address, srv.cfg.SessionTTL)
		if err != nil {
			srv.log.WithError(err).Error("generate token")
			jsonError(w, "failed to generate token", http.StatusInternalServerError)
			return
		}

		session := SessionRecord{
			ID:        uuid.New().String(),
			Address:   req.Address,
			TokenHash: hashToken(token),
			ExpiresAt: time.Now().Add(srv.cfg.SessionTTL),
			CreatedAt: time.Now(),
		}
		if err := srv.store.PutSession(r.Context(), session, srv.cfg.SessionTTL); err != nil {
			srv.log.WithError(err).Error("store session")
			jsonError(w, "failed to create session", http.StatusInternalServerError)
			return
		}

		srv.log.WithField("address", req.Address).Info("session minted")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"sessionToken": token,
		})
	}
}

func logoutHandler(srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			_ = srv.store.DeleteSession(r.Context(), hashToken(token))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "logged out"})
	}
}

func meHandler(srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"address": r.Header.Get(headerAddress),
		})
	}
}

func generateNonce() (string, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonceBytes), nil
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
