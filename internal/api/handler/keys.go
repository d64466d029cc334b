package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/carscope/internal/api/middleware"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "cs_"

var validScopes = []string{models.ScopeOperator, models.ScopeAdmin}

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

// GenerateKey returns a new raw API key and its bcrypt hash.
func GenerateKey() (raw, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = keyPrefix + hex.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears only in this response.
func NewCreateKeyHandler(s store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := response.Decode(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{models.ScopeOperator}
		}
		for _, sc := range req.Scopes {
			if !slices.Contains(validScopes, sc) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+sc,
					map[string][]string{"valid_scopes": validScopes})
				return
			}
		}

		raw, hash, err := GenerateKey()
		if err != nil {
			writeError(w, r, err)
			return
		}
		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: raw[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			writeError(w, r, err)
			return
		}

		resp := toKeyResponse(key)
		resp.Key = raw
		response.Created(w, resp)
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]keyResponse, len(keys))
		for i, k := range keys {
			out[i] = toKeyResponse(k)
		}
		response.Collection(w, out)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s store.APIKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := uuidParam(w, r, "keyID", "INVALID_KEY_ID")
		if !ok {
			return
		}
		if err := s.RevokeAPIKey(r.Context(), keyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
