package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"satutoko/internal/appdata"
	"satutoko/internal/cache"
	"satutoko/internal/syncengine"
	"satutoko/pkg/logger"
)

// The agent is a headless device client: it logs in, keeps the store
// document cached on disk, and synchronizes it with the backend either by
// polling the HTTP store or over the push channel.
func main() {
	logger.Init()
	defer logger.Log.Sync()

	var (
		server   = flag.String("server", "http://localhost:8080", "Backend base URL")
		storeID  = flag.String("store", "", "Store identifier")
		userID   = flag.String("id", "", "User id")
		pin      = flag.String("pin", "", "4-digit pin")
		cacheDir = flag.String("cache", "", "Cache directory (default: user cache dir)")
		useWS    = flag.Bool("channel", false, "Use the push channel instead of polling")
		poll     = flag.Duration("poll", 8*time.Second, "Poll interval (polling mode)")
		debounce = flag.Duration("debounce", 1500*time.Millisecond, "Debounce window before a push")
	)
	flag.Parse()

	if *storeID == "" || *userID == "" || *pin == "" {
		fmt.Fprintln(os.Stderr, "usage: agent -store <id> -id <user> -pin <pin> [-channel]")
		os.Exit(2)
	}

	dir := *cacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			logger.Sugar.Fatalf("Cannot determine cache dir: %v", err)
		}
		dir = filepath.Join(base, "satutoko")
	}
	fc, err := cache.Open(dir)
	if err != nil {
		logger.Sugar.Fatalf("Cannot open cache at %s: %v", dir, err)
	}

	deviceID := uuid.NewString()
	log := logger.Sugar.With("device", deviceID, "store", appdata.NormalizeStoreID(*storeID))

	// A failed login is not fatal: the agent keeps serving the cached
	// document offline and every sync attempt simply degrades.
	token, user, err := login(*server, *storeID, *userID, *pin)
	if err != nil {
		log.Warnf("Login failed, running offline: %v", err)
	} else {
		log.Infof("Logged in as %s (%s)", user.Nickname, user.Role)
		if err := fc.SetSession(*storeID, user); err != nil {
			log.Warnf("Could not persist session: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := syncengine.New(syncengine.Config{
		StoreID:      *storeID,
		Debounce:     *debounce,
		PollInterval: *poll,
		Logger:       log,
	}, syncengine.NewHTTPRemote(*server, *storeID, token), fc)
	engine.SetStatusListener(func(s syncengine.Status) {
		log.Infof("Connection status: %s", s)
	})

	if *useWS {
		runChannel(ctx, *server, token, engine, log)
	} else {
		engine.Run(ctx)
	}
	log.Info("Agent stopped")
}

// runChannel keeps a push-channel connection alive, redialing after drops.
func runChannel(ctx context.Context, server, token string, engine *syncengine.Engine, log *zap.SugaredLogger) {
	wsURL := strings.Replace(strings.Replace(server, "https://", "wss://", 1), "http://", "ws://", 1) + "/ws"
	for {
		ch, err := syncengine.DialChannel(ctx, wsURL, token, engine)
		if err != nil {
			log.Warnf("Channel dial failed: %v", err)
		} else {
			engine.SetRemote(ch)
			select {
			case <-ctx.Done():
				ch.Close()
				return
			case <-ch.Done():
				log.Warnf("Channel disconnected")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func login(server, storeID, userID, pin string) (string, *appdata.User, error) {
	body, _ := json.Marshal(map[string]string{"storeId": storeID, "id": userID, "pin": pin})
	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var parsed struct {
		Token string `json:"token"`
		User  struct {
			ID       string       `json:"id"`
			Nickname string       `json:"nickname"`
			Role     appdata.Role `json:"role"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, err
	}
	return parsed.Token, &appdata.User{ID: parsed.User.ID, Nickname: parsed.User.Nickname, Role: parsed.User.Role}, nil
}
