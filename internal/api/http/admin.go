package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/lti-tool-provider/pkg/toolprovider"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type consumerPayload struct {
	Key          string `json:"key"`
	Secret       string `json:"secret"`
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	Protected    bool   `json:"protected"`
	EnableFrom   *int64 `json:"enable_from,omitempty"`
	EnableUntil  *int64 `json:"enable_until,omitempty"`
	DefaultEmail string `json:"default_email,omitempty"`
	IDScope      *int   `json:"id_scope,omitempty"`
}

// ListConsumersHandler returns every registered consumer (secrets omitted).
func ListConsumersHandler(store toolprovider.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumers, err := store.ListConsumers(r.Context())
		if err != nil {
			http.Error(w, "list consumers", http.StatusInternalServerError)
			return
		}
		type row struct {
			Key        string     `json:"key"`
			Name       string     `json:"name"`
			Enabled    bool       `json:"enabled"`
			Protected  bool       `json:"protected"`
			LTIVersion string     `json:"lti_version,omitempty"`
			LastAccess *time.Time `json:"last_access,omitempty"`
		}
		out := make([]row, 0, len(consumers))
		for _, c := range consumers {
			out = append(out, row{c.Key, c.Name, c.Enabled, c.Protected, c.LTIVersion, c.LastAccess})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// UpsertConsumerHandler registers or updates a consumer.
func UpsertConsumerHandler(store toolprovider.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req consumerPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		now := time.Now()
		c, err := store.LoadConsumer(r.Context(), req.Key)
		switch {
		case errors.Is(err, toolprovider.ErrNotFound):
			c = toolprovider.Consumer{Key: req.Key, IDScope: toolprovider.ScopeResource, Created: &now}
		case err != nil:
			http.Error(w, "load consumer", http.StatusInternalServerError)
			return
		}
		if req.Secret != "" {
			c.Secret = req.Secret
		}
		if req.Name != "" {
			c.Name = req.Name
		}
		c.Enabled = req.Enabled
		c.Protected = req.Protected
		c.DefaultEmail = req.DefaultEmail
		if req.IDScope != nil {
			c.IDScope = toolprovider.IDScope(*req.IDScope)
		}
		c.EnableFrom = unixPtr(req.EnableFrom)
		c.EnableUntil = unixPtr(req.EnableUntil)
		c.Updated = &now
		if err := store.SaveConsumer(r.Context(), &c); err != nil {
			http.Error(w, "save consumer", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": c.Key})
	}
}

// DeleteConsumerHandler removes a consumer and (via cascade) its links.
func DeleteConsumerHandler(store toolprovider.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := store.DeleteConsumer(r.Context(), key); err != nil {
			http.Error(w, "delete consumer", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// MintShareKeyHandler creates a share key for a primary resource link.
// POST /admin/consumers/{key}/links/{linkID}/share-keys
func MintShareKeyHandler(p *toolprovider.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Length      int  `json:"length,omitempty"`
			LifeHours   int  `json:"life_hours,omitempty"`
			AutoApprove bool `json:"auto_approve,omitempty"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		rl, err := p.Store.LoadResourceLink(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "linkID"))
		if err != nil {
			http.Error(w, "resource link not found", http.StatusNotFound)
			return
		}
		k, err := p.MintShareKey(r.Context(), &rl, req.Length, req.LifeHours, req.AutoApprove)
		if err != nil {
			http.Error(w, "mint share key", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"share_key":    k.Value,
			"expires":      k.Expires.UTC().Format(time.RFC3339),
			"auto_approve": k.AutoApprove,
		})
	}
}

// ListSharesHandler lists secondary links pointing at a primary link.
func ListSharesHandler(store toolprovider.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		shares, err := store.ListShares(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "linkID"))
		if err != nil {
			http.Error(w, "list shares", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, shares)
	}
}

// ApproveShareHandler sets the approval flag on a secondary link.
// POST /admin/consumers/{key}/links/{linkID}/approval  { "approved": true }
func ApproveShareHandler(p *toolprovider.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Approved bool `json:"approved"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		err := p.ApproveShare(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "linkID"), req.Approved)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}
