package service

import (
	"encoding/json"

	"satutoko/internal/appdata"
	"satutoko/socket"
)

// StoreService exposes the document store operations to the HTTP layer. All
// writes route through the hub so polling devices and push-channel devices
// share one serialization point.
type StoreService struct {
	Hub *socket.Hub
}

func NewStoreService(hub *socket.Hub) *StoreService {
	return &StoreService{Hub: hub}
}

// Fetch returns the freshest known document for a store.
// repository.ErrNotFound passes through when the store was never written.
func (s *StoreService) Fetch(storeID string) (*appdata.AppData, error) {
	return s.Hub.Snapshot(storeID)
}

// Publish merges a full client document into the persisted one and returns
// the merged result. The server-side merge means a device that only changed
// one collection can never clobber the others with stale copies.
func (s *StoreService) Publish(storeID string, incoming *appdata.AppData) (*appdata.AppData, error) {
	incoming.Normalize()
	return s.Hub.PublishDocument(storeID, incoming)
}

// Patch replaces one named collection and returns the fresh lastUpdated
// stamp.
func (s *StoreService) Patch(storeID string, key appdata.CollectionKey, data json.RawMessage) (int64, error) {
	return s.Hub.ApplyUpdate(storeID, key, data)
}
