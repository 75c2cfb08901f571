package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/docpipe/internal/api/middleware"
	"github.com/kiranshivaraju/docpipe/internal/api/response"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// KeyAdmin manages API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type keyResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toKeyResponse(k *models.APIKey) keyResponse {
	return keyResponse{
		ID:         k.ID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// NewCreateKeyHandler issues a key. The raw key is only in this response.
// Scopes default to submit and read.
func NewCreateKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{mw.ScopeSubmit, mw.ScopeRead}
		}
		for _, s := range req.Scopes {
			if !mw.ValidScope(s) {
				response.Error(w, http.StatusBadRequest, "INVALID_SCOPE", "Unknown scope",
					map[string]any{"scope": s, "allowed": mw.KnownScopes})
				return
			}
		}

		raw, key, err := mw.NewAPIKey(req.Name, req.Scopes)
		if err != nil {
			slog.Error("generating api key failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key with this name already exists", nil)
				return
			}
			slog.Error("storing api key failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		slog.Info("api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix, "scopes", key.Scopes)
		out := toKeyResponse(key)
		out.Key = raw
		response.Created(w, out)
	}
}

// NewListKeysHandler lists active keys without their hashes.
func NewListKeysHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := keys.ListAPIKeys(r.Context())
		if err != nil {
			slog.Error("listing api keys failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}

		out := make([]keyResponse, len(list))
		for i, k := range list {
			out[i] = toKeyResponse(k)
		}
		response.JSON(w, out)
	}
}

// NewRevokeKeyHandler revokes {keyID}.
func NewRevokeKeyHandler(keys KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		if err := keys.RevokeAPIKey(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			slog.Error("revoking api key failed", "key_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}

		slog.Info("api key revoked", "key_id", id)
		response.NoContent(w)
	}
}
