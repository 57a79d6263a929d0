package model

import (
	"encoding/json"

	"satutoko/internal/appdata"
)

type UpdateRequest struct {
	Key  appdata.CollectionKey `json:"key"`
	Data json.RawMessage       `json:"data"`
}

type UpdateResponse struct {
	LastUpdated int64 `json:"lastUpdated"`
}
