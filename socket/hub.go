package socket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"satutoko/internal/appdata"
	"satutoko/internal/store/repository"
	"satutoko/pkg/logger"
)

// DocumentStore is the persistence the hub flushes store documents to.
type DocumentStore interface {
	Get(storeID string) (*appdata.AppData, error)
	Upsert(storeID string, doc *appdata.AppData) error
}

// Hub is the broadcast domain of the push channel. Each store identifier is
// one room; the room's document lives in memory while any client is
// connected and is flushed to the DocumentStore by the SaveWorker. All
// mutations of a store document funnel through the hub, so the persisted
// row never sees concurrent writers.
type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client

	store DocumentStore

	// Documents holds the live document of every active room; DirtyDocs
	// marks the ones with unsaved changes.
	Documents map[string]*appdata.AppData
	DirtyDocs map[string]bool
	mu        sync.Mutex
}

func NewHub(store DocumentStore) *Hub {
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan Message),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		store:      store,
		Documents:  make(map[string]*appdata.AppData),
		DirtyDocs:  make(map[string]bool),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// loadFresh reads the persisted document, or the canonical empty shape when
// the store has never been written. Call without holding the lock only when
// the result is not shared.
func (h *Hub) loadFresh(storeID string) *appdata.AppData {
	doc, err := h.store.Get(storeID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Sugar.Errorf("Failed to load store %s, starting empty: %v", storeID, err)
		}
		return appdata.Initial()
	}
	return doc
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.StoreID] == nil {
				h.Rooms[client.StoreID] = make(map[*Client]bool)
			}
			// First client in the room pulls the document into memory.
			if _, ok := h.Documents[client.StoreID]; !ok {
				h.Documents[client.StoreID] = h.loadFresh(client.StoreID)
			}
			h.Rooms[client.StoreID][client] = true
			doc := h.Documents[client.StoreID]
			raw, _ := json.Marshal(doc)
			ts := doc.LastUpdated
			h.mu.Unlock()

			// Send the full current document so the joining device is
			// immediately up to date.
			initMsg, _ := json.Marshal(Message{Type: InitDataType, StoreID: client.StoreID, Data: raw, LastUpdated: ts})
			client.Send <- initMsg

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.Rooms[client.StoreID][client]; ok {
				delete(h.Rooms[client.StoreID], client)
				close(client.Send)

				// Last one out flushes and tears the room down.
				if len(h.Rooms[client.StoreID]) == 0 {
					if h.DirtyDocs[client.StoreID] {
						if err := h.store.Upsert(client.StoreID, h.Documents[client.StoreID]); err != nil {
							logger.Sugar.Errorf("Failed to save store %s on close: %v", client.StoreID, err)
						}
					}
					delete(h.Rooms, client.StoreID)
					delete(h.Documents, client.StoreID)
					delete(h.DirtyDocs, client.StoreID)
					logger.Sugar.Infof("Closed and cleaned up empty room: %s", client.StoreID)
				}
			}
			h.mu.Unlock()

		case msg := <-h.Broadcast:
			if msg.Type != UpdateDataType {
				continue
			}
			if _, err := h.ApplyUpdate(msg.StoreID, msg.Key, msg.Data); err != nil {
				logger.Sugar.Warnf("Rejected update for store %s: %v", msg.StoreID, err)
			}
		}
	}
}

// ApplyUpdate patches one collection of a store document, stamps a fresh
// lastUpdated, and rebroadcasts the update to every client in the room,
// including the sender. It is the single write path shared by the websocket
// channel and the HTTP patch endpoint.
func (h *Hub) ApplyUpdate(storeID string, key appdata.CollectionKey, data json.RawMessage) (int64, error) {
	h.mu.Lock()
	doc, cached := h.Documents[storeID]
	if !cached {
		doc = h.loadFresh(storeID)
	}
	if err := doc.SetCollection(key, data); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	ts := nowMillis()
	// lastUpdated is monotonic even when two updates land in the same
	// millisecond.
	if ts <= doc.LastUpdated {
		ts = doc.LastUpdated + 1
	}
	doc.LastUpdated = ts
	if cached {
		h.DirtyDocs[storeID] = true
		h.mu.Unlock()
	} else {
		// No room holds the document in memory, so persist right away.
		// The write stays inside the critical section: a room joining at
		// this moment must load the patched row, not the one before it.
		err := h.store.Upsert(storeID, doc)
		h.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}

	h.broadcastRoom(storeID, Message{Type: DataUpdatedType, StoreID: storeID, Key: key, Data: data, LastUpdated: ts})
	return ts, nil
}

// PublishDocument merges a full client document into the persisted one and
// announces the result to the room. The merge keeps whichever side is newer
// and unions users, so a stale device can never wipe collections it did not
// touch.
func (h *Hub) PublishDocument(storeID string, incoming *appdata.AppData) (*appdata.AppData, error) {
	h.mu.Lock()
	current, cached := h.Documents[storeID]
	if !cached {
		current = h.loadFresh(storeID)
	}
	merged := appdata.Merge(current, incoming)
	if cached {
		h.Documents[storeID] = merged
		h.DirtyDocs[storeID] = true
		h.mu.Unlock()
	} else {
		// Same as ApplyUpdate: persist before releasing the lock so a
		// concurrent room join cannot cache the pre-merge row.
		err := h.store.Upsert(storeID, merged)
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	raw, _ := json.Marshal(merged)
	h.broadcastRoom(storeID, Message{Type: InitDataType, StoreID: storeID, Data: raw, LastUpdated: merged.LastUpdated})
	return merged, nil
}

// Snapshot returns the freshest known copy of a store document: the live
// room document when one exists, otherwise the persisted row.
// repository.ErrNotFound passes through for stores never written.
func (h *Hub) Snapshot(storeID string) (*appdata.AppData, error) {
	h.mu.Lock()
	if doc, ok := h.Documents[storeID]; ok {
		c := doc.Clone()
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()
	return h.store.Get(storeID)
}

func (h *Hub) broadcastRoom(storeID string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return
	}

	h.mu.Lock()
	clientsToSend := make([]*Client, 0, len(h.Rooms[storeID]))
	for client := range h.Rooms[storeID] {
		clientsToSend = append(clientsToSend, client)
	}
	h.mu.Unlock()

	// Send outside the lock.
	for _, client := range clientsToSend {
		select {
		case client.Send <- payload:
		default:
			// Full send buffer means the client is lagging badly. Run is
			// the only receiver on Unregister and may be the caller here,
			// so hand the eviction off instead of blocking on the channel.
			logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", client.UserID)
			go func(c *Client) { h.Unregister <- c }(client)
		}
	}
}

// SaveWorker periodically flushes dirty room documents to the store.
func (h *Hub) SaveWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		type pending struct {
			doc   *appdata.AppData
			stamp int64
		}
		docsToSave := make(map[string]pending)

		h.mu.Lock()
		for storeID, isDirty := range h.DirtyDocs {
			if isDirty {
				doc := h.Documents[storeID].Clone()
				docsToSave[storeID] = pending{doc: doc, stamp: doc.LastUpdated}
			}
		}
		h.mu.Unlock()

		// Database I/O without holding the hub's lock.
		for storeID, p := range docsToSave {
			if err := h.store.Upsert(storeID, p.doc); err != nil {
				// Leave the dirty flag set; retried on the next tick.
				continue
			}

			h.mu.Lock()
			// Only mark clean if nothing changed while we were saving.
			if doc, ok := h.Documents[storeID]; ok && doc.LastUpdated == p.stamp {
				h.DirtyDocs[storeID] = false
			}
			h.mu.Unlock()

			logger.Sugar.Infof("Auto-saved store document: %s", storeID)
		}
	}
}
