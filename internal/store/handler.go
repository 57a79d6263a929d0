package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"satutoko/internal/appdata"
	"satutoko/internal/store/model"
	"satutoko/internal/store/repository"
	"satutoko/internal/store/service"
	"satutoko/middleware"
	"satutoko/pkg/logger"
)

type StoreHandler struct {
	Service *service.StoreService
}

func NewStoreHandler(service *service.StoreService) *StoreHandler {
	return &StoreHandler{Service: service}
}

// pathStoreID normalizes the path identifier and checks it against the
// session's store claim, so a token for one store cannot read another.
func pathStoreID(w http.ResponseWriter, r *http.Request) (string, bool) {
	storeID := appdata.NormalizeStoreID(r.PathValue("storeId"))
	if storeID == "" {
		http.Error(w, "Missing store identifier", http.StatusBadRequest)
		return "", false
	}
	if claim, ok := r.Context().Value(middleware.StoreIDKey).(string); ok && claim != storeID {
		http.Error(w, "Token does not grant access to this store", http.StatusForbidden)
		return "", false
	}
	return storeID, true
}

// GetDocument serves the whole store document. The `t` query parameter is a
// client-side cachebuster and is ignored here. 404 means "no document yet";
// the sync engine maps it to the empty initial document.
func (h *StoreHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathStoreID(w, r)
	if !ok {
		return
	}

	doc, err := h.Service.Fetch(storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "No document for this store", http.StatusNotFound)
			return
		}
		logger.Sugar.Errorf("Error fetching store %s: %v", storeID, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(doc)
}

// PublishDocument accepts a full document, merges it server-side, and
// echoes the merged result.
func (h *StoreHandler) PublishDocument(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathStoreID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	// A bare `null` or array decodes silently into a zero document, so
	// insist on a JSON object up front.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		http.Error(w, "Document must be a JSON object", http.StatusBadRequest)
		return
	}

	var incoming appdata.AppData
	if err := json.Unmarshal(trimmed, &incoming); err != nil {
		http.Error(w, "Invalid document: "+err.Error(), http.StatusBadRequest)
		return
	}

	merged, err := h.Service.Publish(storeID, &incoming)
	if err != nil {
		logger.Sugar.Errorf("Error publishing store %s: %v", storeID, err)
		http.Error(w, "Failed to save document", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(merged)
}

// UpdateCollection replaces one named collection. This is the polling-mode
// twin of the websocket `update-data` event.
func (h *StoreHandler) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathStoreID(w, r)
	if !ok {
		return
	}

	var req model.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" || len(req.Data) == 0 {
		http.Error(w, "key and data are required", http.StatusBadRequest)
		return
	}

	ts, err := h.Service.Patch(storeID, req.Key, req.Data)
	if err != nil {
		if errors.Is(err, appdata.ErrInvalidCollection) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Sugar.Errorf("Error patching store %s: %v", storeID, err)
		http.Error(w, "Failed to save update", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.UpdateResponse{LastUpdated: ts})
}
