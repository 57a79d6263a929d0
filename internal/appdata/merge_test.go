package appdata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docWithUser(id string, lastUpdated int64) *AppData {
	d := Initial()
	d.Users = []User{{ID: id, Nickname: id, Role: RoleStaff, PasswordHash: "1234"}}
	d.LastUpdated = lastUpdated
	return d
}

func TestMergeNewerLocalWins(t *testing.T) {
	local := docWithUser("alice", 2000)
	local.Reservations = []Reservation{{ID: "r1", CustomerName: "Kim"}}

	incoming := docWithUser("alice", 1000)
	incoming.Reservations = []Reservation{}
	incoming.Notices = []Notice{{ID: "n1", Title: "stale"}}

	merged := Merge(local, incoming)

	// Local document is newer, so its collections survive untouched.
	assert.Equal(t, int64(2000), merged.LastUpdated)
	require.Len(t, merged.Reservations, 1)
	assert.Equal(t, "r1", merged.Reservations[0].ID)
	assert.Empty(t, merged.Notices)
}

func TestMergeNewerIncomingAdopted(t *testing.T) {
	local := docWithUser("alice", 1000)
	incoming := docWithUser("alice", 1500)
	incoming.Notices = []Notice{{ID: "n1", Title: "fresh"}}

	merged := Merge(local, incoming)

	assert.Equal(t, int64(1500), merged.LastUpdated)
	require.Len(t, merged.Notices, 1)
	assert.Equal(t, "n1", merged.Notices[0].ID)
}

func TestMergeEqualTimestampPrefersIncoming(t *testing.T) {
	local := docWithUser("alice", 1000)
	incoming := docWithUser("alice", 1000)
	incoming.Recipes = []Recipe{{ID: "rc1", Name: "americano"}}

	merged := Merge(local, incoming)
	assert.Len(t, merged.Recipes, 1)
}

func TestMergeUserUnionIsLossless(t *testing.T) {
	local := docWithUser("bob", 2000)
	incoming := docWithUser("alice", 1000)

	merged := Merge(local, incoming)

	ids := []string{}
	for _, u := range merged.Users {
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
}

func TestMergeUserUnionCaseInsensitive(t *testing.T) {
	local := docWithUser("Alice", 2000)
	incoming := docWithUser("alice", 1000)

	merged := Merge(local, incoming)
	assert.Len(t, merged.Users, 1, "same id in different case must not duplicate")
}

func TestMergeFirstLoadAdoptsIncoming(t *testing.T) {
	// A fresh device holds an empty user set; even an older incoming
	// document is adopted wholesale.
	local := Initial()
	local.LastUpdated = 5000

	incoming := docWithUser("alice", 100)
	incoming.Inventory = []InventoryItem{{ID: "i1", Name: "beans", Quantity: 3}}

	merged := Merge(local, incoming)

	assert.Equal(t, int64(100), merged.LastUpdated)
	require.Len(t, merged.Inventory, 1)
	assert.Equal(t, "i1", merged.Inventory[0].ID)
}

func TestMergeNilInputs(t *testing.T) {
	incoming := docWithUser("alice", 100)
	merged := Merge(nil, incoming)
	assert.Len(t, merged.Users, 1)

	local := docWithUser("bob", 200)
	merged = Merge(local, nil)
	assert.Len(t, merged.Users, 1)
	assert.Equal(t, int64(200), merged.LastUpdated)
}

func TestMergeNormalizesResult(t *testing.T) {
	local := Initial()
	incoming := &AppData{Users: []User{{ID: "alice"}}, LastUpdated: 10} // collections omitted

	merged := Merge(local, incoming)

	assert.NotNil(t, merged.Notices)
	assert.NotNil(t, merged.Tasks)
	assert.NotNil(t, merged.Template)
	assert.NotNil(t, merged.Recipes)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	local := docWithUser("bob", 2000)
	incoming := docWithUser("alice", 1000)

	_ = Merge(local, incoming)

	assert.Len(t, local.Users, 1)
	assert.Len(t, incoming.Users, 1)
}

func TestSetCollectionTyped(t *testing.T) {
	d := Initial()

	raw := json.RawMessage(`[{"id":"r1","customerName":"Kim","date":"2026-09-01","time":"18:00","partySize":4}]`)
	require.NoError(t, d.SetCollection(KeyReservations, raw))
	require.Len(t, d.Reservations, 1)
	assert.Equal(t, "Kim", d.Reservations[0].CustomerName)

	// Unknown key and non-array payloads are rejected at the edge.
	assert.Error(t, d.SetCollection(CollectionKey("bogus"), raw))
	assert.Error(t, d.SetCollection(KeyNotices, json.RawMessage(`{"id":"n1"}`)))
}

func TestCollectionRoundTrip(t *testing.T) {
	d := Initial()
	d.Tasks = []ChecklistItem{{ID: "t1", Text: "open register", Done: true}}

	raw, err := d.Collection(KeyTasks)
	require.NoError(t, err)

	other := Initial()
	require.NoError(t, other.SetCollection(KeyTasks, raw))
	assert.Equal(t, d.Tasks, other.Tasks)
}

func TestFindUserCaseInsensitive(t *testing.T) {
	d := docWithUser("Alice", 0)
	u, ok := d.FindUser("aLiCe")
	assert.True(t, ok)
	assert.Equal(t, "Alice", u.ID)

	_, ok = d.FindUser("carol")
	assert.False(t, ok)
}
