package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"satutoko/pkg/logger"
)

// Config carries everything the server needs at startup. Values come from
// CLI flags with environment-variable fallback; a .env file is loaded first
// when present.
type Config struct {
	Port        int
	DatabaseURL string
	JWTSecret   string

	// OwnerIDs restricts who may register with the OWNER role. Empty means
	// unrestricted (some deployments run that way).
	OwnerIDs []string

	// SaveInterval is how often the hub flushes dirty store documents.
	SaveInterval time.Duration
}

// Load parses flags and environment variables.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Sugar.Info("No .env file found, using environment variables from OS")
	}

	var cfg Config
	var owners string
	var saveSeconds int

	fs := flag.NewFlagSet("satutoko", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL")
	fs.StringVar(&owners, "owners", "", "Comma-separated ids allowed to register as OWNER")
	fs.IntVar(&saveSeconds, "save-interval", 0, "Seconds between document auto-saves")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else {
			cfg.Port = 8080
		}
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("database URL required (use -d or DATABASE_URL env)")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET env variable required")
	}

	if owners == "" {
		owners = os.Getenv("OWNER_IDS")
	}
	cfg.OwnerIDs = splitOwnerIDs(owners)

	if saveSeconds == 0 {
		if s := os.Getenv("SAVE_INTERVAL_SECONDS"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return Config{}, errors.New("invalid SAVE_INTERVAL_SECONDS env variable")
			}
			saveSeconds = n
		} else {
			saveSeconds = 10
		}
	}
	cfg.SaveInterval = time.Duration(saveSeconds) * time.Second

	return cfg, nil
}

func splitOwnerIDs(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
