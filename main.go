package main

import (
	"fmt"
	"net/http"
	"os"

	"satutoko/config"
	"satutoko/config/database"
	"satutoko/internal/store/repository"
	"satutoko/pkg/logger"
	"satutoko/router"
	"satutoko/socket"
)

func main() {
	logger.Init()
	defer logger.Log.Sync()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}

	db := database.Connect(cfg.DatabaseURL)
	defer db.Close()

	repo := repository.NewStoreRepository(db)

	// The hub serializes every document mutation and owns persistence;
	// SaveWorker flushes dirty room documents on a fixed cadence.
	hub := socket.NewHub(repo)
	go hub.Run()
	go hub.SaveWorker(cfg.SaveInterval)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Sugar.Infof("satutoko backend listening on %s", addr)
	if err := http.ListenAndServe(addr, router.Setup(hub, cfg)); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
}
