package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"satutoko/internal/auth/model"
	"satutoko/internal/auth/service"
	"satutoko/pkg/logger"
)

type AuthHandler struct {
	Service *service.AuthService
}

func NewAuthHandler(service *service.AuthService) *AuthHandler {
	return &AuthHandler{Service: service}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.Service.Register(req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrIDTaken):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, service.ErrOwnerRestricted):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			logger.Sugar.Errorf("Handler: Failed to register user: %v", err)
			http.Error(w, "Failed to register", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(model.PublicUser{ID: user.ID, Nickname: user.Nickname, Role: user.Role})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.Service.Login(req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrBadCredentials):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		default:
			logger.Sugar.Errorf("Handler: Failed to log in: %v", err)
			http.Error(w, "Failed to log in", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
