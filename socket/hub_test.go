package socket

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satutoko/internal/appdata"
	"satutoko/internal/store/repository"
)

// Helper function to read messages from a WebSocket connection with a timeout.
func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	// Set a deadline to avoid tests hanging forever.
	conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	err = json.Unmarshal(p, &msg)
	require.NoError(t, err, "Failed to unmarshal Message JSON")
	return msg
}

func TestHubIntegration(t *testing.T) {
	// 1. Setup Mock DB and Hub
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(repository.NewStoreRepository(db))
	go hub.Run()

	// 2. Setup Test HTTP Server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// For simplicity, identity comes from query params in tests.
		userID := r.URL.Query().Get("user_id")
		storeID := r.URL.Query().Get("store")
		ServeWs(hub, w, r, userID, storeID)
	}))
	defer server.Close()

	// Convert http:// to ws://
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	// --- Test Scenario ---

	// 3. Client 1 Joins a store that has never been persisted.
	storeID := "test-store"

	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WithArgs(storeID).
		WillReturnError(sql.ErrNoRows)

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?store="+storeID+"&user_id=alice", nil)
	require.NoError(t, err, "Client 1 failed to connect")
	defer conn1.Close()

	// Client 1 should immediately receive the full (empty) document.
	initialMsg := readMessage(t, conn1)
	assert.Equal(t, InitDataType, initialMsg.Type)
	assert.Equal(t, storeID, initialMsg.StoreID)
	var initDoc appdata.AppData
	require.NoError(t, json.Unmarshal(initialMsg.Data, &initDoc))
	assert.Empty(t, initDoc.Users)
	assert.Equal(t, int64(0), initDoc.LastUpdated)

	// 4. Client 2 joins the same room; the document is already in memory so
	// no second query hits the database.
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?store="+storeID+"&user_id=bob", nil)
	require.NoError(t, err, "Client 2 failed to connect")
	defer conn2.Close()
	_ = readMessage(t, conn2)

	// 5. Client 1 patches reservations.
	reservations := `[{"id":"r1","customerName":"Kim"}]`
	msgBytes, _ := json.Marshal(Message{
		Type: UpdateDataType,
		Key:  appdata.KeyReservations,
		Data: json.RawMessage(reservations),
	})
	require.NoError(t, conn1.WriteMessage(websocket.TextMessage, msgBytes))

	// The update echoes back to the sender and reaches client 2.
	echo := readMessage(t, conn1)
	assert.Equal(t, DataUpdatedType, echo.Type)
	assert.Equal(t, appdata.KeyReservations, echo.Key)
	assert.JSONEq(t, reservations, string(echo.Data))
	assert.Greater(t, echo.LastUpdated, int64(0))

	broadcast := readMessage(t, conn2)
	assert.Equal(t, DataUpdatedType, broadcast.Type)
	assert.Equal(t, appdata.KeyReservations, broadcast.Key)
	assert.JSONEq(t, reservations, string(broadcast.Data))

	// 6. Client 2 patches inventory before client 1's update ever reached
	// its local copy. Both collections must survive.
	inventory := `[{"id":"i1","name":"beans"}]`
	msgBytes, _ = json.Marshal(Message{
		Type: UpdateDataType,
		Key:  appdata.KeyInventory,
		Data: json.RawMessage(inventory),
	})
	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, msgBytes))

	invEcho := readMessage(t, conn2)
	assert.Equal(t, appdata.KeyInventory, invEcho.Key)
	assert.Greater(t, invEcho.LastUpdated, echo.LastUpdated, "stamps are monotonic")
	invBroadcast := readMessage(t, conn1)
	assert.JSONEq(t, inventory, string(invBroadcast.Data))

	// 7. The room document holds both patches.
	doc, err := hub.Snapshot(storeID)
	require.NoError(t, err)
	require.Len(t, doc.Reservations, 1)
	assert.Equal(t, "r1", doc.Reservations[0].ID)
	require.Len(t, doc.Inventory, 1)
	assert.Equal(t, "i1", doc.Inventory[0].ID)

	// Ensure all mock expectations were met.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdateWithoutRoomPersistsImmediately(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(repository.NewStoreRepository(db))
	storeID := "sleepy-store"

	// No client is connected, so the patch loads, mutates, and saves the
	// row in one call.
	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WithArgs(storeID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"users":[{"id":"alice"}],"lastUpdated":10}`)))
	mock.ExpectExec("INSERT INTO stores").
		WithArgs(storeID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ts, err := hub.ApplyUpdate(storeID, appdata.KeyNotices, json.RawMessage(`[{"id":"n1"}]`))
	require.NoError(t, err)
	assert.Greater(t, ts, int64(10))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdateRejectsMalformedPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(repository.NewStoreRepository(db))

	// Every uncached call reloads, so expect one query per attempt.
	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WillReturnError(sql.ErrNoRows)

	_, err = hub.ApplyUpdate("test-store", appdata.KeyNotices, json.RawMessage(`"not a list"`))
	assert.ErrorIs(t, err, appdata.ErrInvalidCollection)

	_, err = hub.ApplyUpdate("test-store", "banana", json.RawMessage(`[]`))
	assert.ErrorIs(t, err, appdata.ErrInvalidCollection)
}

func TestLaggingClientDoesNotStallTheHub(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(repository.NewStoreRepository(db))
	go hub.Run()

	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WillReturnError(sql.ErrNoRows)

	// A healthy client keeps the room alive for the whole test.
	healthy := &Client{Hub: hub, StoreID: "test-store", UserID: "healthy", Send: make(chan []byte, 16)}
	hub.Register <- healthy

	// A client that never drains its send buffer; the init-data message
	// fills its single slot.
	laggard := &Client{Hub: hub, StoreID: "test-store", UserID: "laggard", Send: make(chan []byte, 1)}
	hub.Register <- laggard

	// Broadcasting to the full buffer evicts the laggard; the hub's Run
	// loop must keep going.
	hub.Broadcast <- Message{
		Type:    UpdateDataType,
		StoreID: "test-store",
		Key:     appdata.KeyNotices,
		Data:    json.RawMessage(`[{"id":"n1"}]`),
	}

	fresh := &Client{Hub: hub, StoreID: "test-store", UserID: "fresh", Send: make(chan []byte, 16)}
	registered := make(chan struct{})
	go func() {
		hub.Register <- fresh
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("hub stopped accepting registrations after broadcasting to a lagging client")
	}

	select {
	case raw := <-fresh.Send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, InitDataType, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("new client never received init-data")
	}
}

// blockingStore is a DocumentStore whose first Upsert parks until released,
// exposing what the hub does while a persist is in flight.
type blockingStore struct {
	mu            sync.Mutex
	docs          map[string]*appdata.AppData
	upsertStarted chan struct{}
	upsertGate    chan struct{}
	startedOnce   sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		docs:          make(map[string]*appdata.AppData),
		upsertStarted: make(chan struct{}),
		upsertGate:    make(chan struct{}),
	}
}

func (s *blockingStore) Get(storeID string) (*appdata.AppData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *blockingStore) Upsert(storeID string, doc *appdata.AppData) error {
	s.startedOnce.Do(func() { close(s.upsertStarted) })
	<-s.upsertGate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[storeID] = doc.Clone()
	return nil
}

func TestRoomJoinDuringUncachedPatchLoadsThePatchedRow(t *testing.T) {
	store := newBlockingStore()
	hub := NewHub(store)
	go hub.Run()

	// An HTTP patch lands while no client is connected; its persist blocks.
	applied := make(chan error, 1)
	go func() {
		_, err := hub.ApplyUpdate("test-store", appdata.KeyNotices, json.RawMessage(`[{"id":"n1"}]`))
		applied <- err
	}()
	<-store.upsertStarted

	// A first client joins mid-persist. It must wait; loading the row now
	// would cache a copy without the patch, and the next room edit would
	// flush that stale copy over the patched row.
	client := &Client{Hub: hub, StoreID: "test-store", UserID: "alice", Send: make(chan []byte, 16)}
	go func() { hub.Register <- client }()

	select {
	case <-client.Send:
		t.Fatal("room loaded a document while its row was still being persisted")
	case <-time.After(100 * time.Millisecond):
	}

	close(store.upsertGate)
	require.NoError(t, <-applied)

	// The join completes against the patched row.
	deadline := time.After(time.Second)
	for {
		select {
		case raw := <-client.Send:
			var msg Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type != InitDataType {
				continue
			}
			var doc appdata.AppData
			require.NoError(t, json.Unmarshal(msg.Data, &doc))
			require.Len(t, doc.Notices, 1)
			assert.Equal(t, "n1", doc.Notices[0].ID)
			return
		case <-deadline:
			t.Fatal("new client never received init-data")
		}
	}
}

func TestPublishDocumentMergesInsteadOfOverwriting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hub := NewHub(repository.NewStoreRepository(db))
	storeID := "test-store"

	persisted := `{"users":[{"id":"alice"}],"notices":[{"id":"n1"}],"lastUpdated":100}`
	mock.ExpectQuery("SELECT data FROM stores WHERE id = \\$1").
		WithArgs(storeID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(persisted)))
	mock.ExpectExec("INSERT INTO stores").
		WithArgs(storeID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// A stale device publishes an older document that knows a user the
	// server has never seen.
	stale := appdata.Initial()
	stale.Users = []appdata.User{{ID: "bob"}}
	stale.LastUpdated = 50

	merged, err := hub.PublishDocument(storeID, stale)
	require.NoError(t, err)

	// Server-side collections win on timestamp, but bob is not lost.
	require.Len(t, merged.Notices, 1)
	assert.Equal(t, int64(100), merged.LastUpdated)
	ids := []string{merged.Users[0].ID, merged.Users[1].ID}
	assert.Contains(t, ids, "alice")
	assert.Contains(t, ids, "bob")

	assert.NoError(t, mock.ExpectationsWereMet())
}
