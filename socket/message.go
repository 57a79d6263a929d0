package socket

import (
	"encoding/json"

	"satutoko/internal/appdata"
)

// Wire protocol of the push channel. A client sends `update-data` with the
// full new value of one collection; the hub patches that collection into the
// store document, stamps a fresh lastUpdated, and rebroadcasts `data-updated`
// to every client in the room, the sender included. The sender deduplicates
// its own echo by timestamp. `init-data` carries the whole document and is
// sent once on join (and after a full-document publish).
const (
	UpdateDataType  = "update-data"
	DataUpdatedType = "data-updated"
	InitDataType    = "init-data"
)

type Message struct {
	Type        string                `json:"type"`
	StoreID     string                `json:"storeId,omitempty"`
	Key         appdata.CollectionKey `json:"key,omitempty"`
	Data        json.RawMessage       `json:"data,omitempty"`
	LastUpdated int64                 `json:"lastUpdated,omitempty"`
}
