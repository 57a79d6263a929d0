package syncengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"satutoko/internal/appdata"
)

func TestHTTPRemoteFetch(t *testing.T) {
	doc := appdata.Initial()
	doc.Notices = []appdata.Notice{{ID: "n1", Title: "hello"}}
	doc.LastUpdated = 1234

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stores/demo", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("t"), "reads must be cache-busted")
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "Demo ", "tok") // identifier is normalized
	got, err := remote.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got.LastUpdated)
	require.Len(t, got.Notices, 1)
}

func TestHTTPRemoteFetchNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "demo", "")
	_, err := remote.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPRemoteFetchMalformedPayload(t *testing.T) {
	for _, body := range []string{"null", `"a string"`, "[]", ""} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		remote := NewHTTPRemote(server.URL, "demo", "")
		_, err := remote.Fetch(context.Background())
		assert.Error(t, err, "payload %q must be rejected", body)
		server.Close()
	}
}

func TestHTTPRemotePatchCollection(t *testing.T) {
	var got struct {
		Key  appdata.CollectionKey `json:"key"`
		Data json.RawMessage       `json:"data"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stores/demo/update", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]int64{"lastUpdated": 99})
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "demo", "")
	err := remote.PatchCollection(context.Background(), appdata.KeyTasks, json.RawMessage(`[{"id":"t1"}]`))
	require.NoError(t, err)
	assert.Equal(t, appdata.KeyTasks, got.Key)
	assert.JSONEq(t, `[{"id":"t1"}]`, string(got.Data))
}

func TestHTTPRemotePatchCollectionRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusBadRequest)
	}))
	defer server.Close()

	remote := NewHTTPRemote(server.URL, "demo", "")
	err := remote.PatchCollection(context.Background(), appdata.CollectionKey("bogus"), json.RawMessage(`[]`))
	assert.Error(t, err)
}
