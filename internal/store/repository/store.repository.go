package repository

import (
	"database/sql"
	"encoding/json"
	"errors"

	"satutoko/internal/appdata"
	"satutoko/pkg/logger"
)

// ErrNotFound reports that a store identifier has no persisted document yet.
// Callers map this to the canonical empty document, never to a user-facing
// error.
var ErrNotFound = errors.New("store document not found")

// StoreRepository persists one JSON document per store identifier.
type StoreRepository struct {
	DB *sql.DB
}

func NewStoreRepository(db *sql.DB) *StoreRepository {
	return &StoreRepository{DB: db}
}

func (r *StoreRepository) Get(storeID string) (*appdata.AppData, error) {
	var raw []byte
	err := r.DB.QueryRow("SELECT data FROM stores WHERE id = $1", storeID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load store %s: %v", storeID, err)
		return nil, err
	}

	var doc appdata.AppData
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Sugar.Errorf("Corrupt document for store %s: %v", storeID, err)
		return nil, err
	}
	doc.Normalize()
	return &doc, nil
}

func (r *StoreRepository) Upsert(storeID string, doc *appdata.AppData) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(`INSERT INTO stores (id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = $2, updated_at = NOW()`, storeID, raw)
	if err != nil {
		logger.Sugar.Errorf("Failed to save store %s: %v", storeID, err)
	}
	return err
}
