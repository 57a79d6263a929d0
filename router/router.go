package router

import (
	"net/http"

	authHandler "satutoko/internal/auth"
	authService "satutoko/internal/auth/service"
	storeHandler "satutoko/internal/store"
	storeService "satutoko/internal/store/service"

	"satutoko/config"
	"satutoko/middleware"
	"satutoko/socket"
)

func Setup(hub *socket.Hub, cfg config.Config) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(cfg.JWTSecret)

	// WebSocket push channel; the session token selects the room.
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(middleware.UserIDKey).(string)
		storeID := r.Context().Value(middleware.StoreIDKey).(string)
		socket.ServeWs(hub, w, r, userID, storeID)
	})
	mux.Handle("/ws", auth(wsHandler))

	stores := storeHandler.NewStoreHandler(storeService.NewStoreService(hub))
	accounts := authHandler.NewAuthHandler(authService.NewAuthService(hub, cfg.JWTSecret, cfg.OwnerIDs))

	// Registration and login are the only unauthenticated routes; a fresh
	// device has no token until it logs in.
	mux.Handle("POST /api/auth/register", http.HandlerFunc(accounts.Register))
	mux.Handle("POST /api/auth/login", http.HandlerFunc(accounts.Login))

	mux.Handle("GET /api/stores/{storeId}", auth(http.HandlerFunc(stores.GetDocument)))
	mux.Handle("POST /api/stores/{storeId}", auth(http.HandlerFunc(stores.PublishDocument)))
	mux.Handle("POST /api/stores/{storeId}/update", auth(http.HandlerFunc(stores.UpdateCollection)))

	return middleware.CORSMiddleware(mux)
}
