package appdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCollection reports an unknown collection key or a payload that
// does not match the collection's element type.
var ErrInvalidCollection = errors.New("invalid collection update")

type Role string

const (
	RoleOwner Role = "OWNER"
	RoleStaff Role = "STAFF"
)

// User is a store account. IDs are unique case-insensitively within one
// store. PasswordHash holds the raw 4-digit pin; it is stored and compared
// in plaintext.
type User struct {
	ID           string `json:"id"`
	Nickname     string `json:"nickname"`
	Role         Role   `json:"role"`
	PasswordHash string `json:"passwordHash"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Entity ids are client-generated timestamp strings; author fields are
// denormalized at creation time, so renaming a user never rewrites history.

type Notice struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	AuthorID       string `json:"authorId"`
	AuthorNickname string `json:"authorNickname"`
	CreatedAt      int64  `json:"createdAt"`
}

type Handover struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	AuthorID       string `json:"authorId"`
	AuthorNickname string `json:"authorNickname"`
	CreatedAt      int64  `json:"createdAt"`
}

// ChecklistItem backs both the daily task list and the checklist template.
type ChecklistItem struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Done        bool   `json:"done"`
	CompletedBy string `json:"completedBy,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

type InventoryItem struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	CheckedBy string  `json:"checkedBy,omitempty"`
	UpdatedAt int64   `json:"updatedAt"`
}

type Reservation struct {
	ID             string `json:"id"`
	CustomerName   string `json:"customerName"`
	Phone          string `json:"phone,omitempty"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	PartySize      int    `json:"partySize"`
	Note           string `json:"note,omitempty"`
	AuthorID       string `json:"authorId"`
	AuthorNickname string `json:"authorNickname"`
	CreatedAt      int64  `json:"createdAt"`
}

type WorkSchedule struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname"`
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	UpdatedAt int64  `json:"updatedAt"`
}

type DailyReport struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Content        string `json:"content"`
	AuthorID       string `json:"authorId"`
	AuthorNickname string `json:"authorNickname"`
	CreatedAt      int64  `json:"createdAt"`
}

type Recipe struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	Content   string `json:"content"`
	UpdatedAt int64  `json:"updatedAt"`
}

// AppData is the full synchronized state of one store: the user accounts,
// nine business collections, and a monotonic epoch-millisecond timestamp
// bumped on every mutation. The unit of synchronization is a whole
// collection; entities are never patched field-by-field across devices.
type AppData struct {
	Users        []User          `json:"users"`
	Notices      []Notice        `json:"notices"`
	Handovers    []Handover      `json:"handovers"`
	Inventory    []InventoryItem `json:"inventory"`
	Reservations []Reservation   `json:"reservations"`
	Schedules    []WorkSchedule  `json:"schedules"`
	Reports      []DailyReport   `json:"reports"`
	Tasks        []ChecklistItem `json:"tasks"`
	Template     []ChecklistItem `json:"template"`
	Recipes      []Recipe        `json:"recipes"`
	LastUpdated  int64           `json:"lastUpdated"`
}

// CollectionKey names one synchronizable slice of AppData.
type CollectionKey string

const (
	KeyUsers        CollectionKey = "users"
	KeyNotices      CollectionKey = "notices"
	KeyHandovers    CollectionKey = "handovers"
	KeyInventory    CollectionKey = "inventory"
	KeyReservations CollectionKey = "reservations"
	KeySchedules    CollectionKey = "schedules"
	KeyReports      CollectionKey = "reports"
	KeyTasks        CollectionKey = "tasks"
	KeyTemplate     CollectionKey = "template"
	KeyRecipes      CollectionKey = "recipes"
)

// CollectionKeys lists every valid key in document order.
var CollectionKeys = []CollectionKey{
	KeyUsers, KeyNotices, KeyHandovers, KeyInventory, KeyReservations,
	KeySchedules, KeyReports, KeyTasks, KeyTemplate, KeyRecipes,
}

// Initial returns the canonical empty document: every collection present as
// an empty slice, LastUpdated zero. Consumers must never observe a nil
// collection, so new documents always start from this shape.
func Initial() *AppData {
	d := &AppData{}
	d.Normalize()
	return d
}

// Normalize backfills nil collections with empty slices. Older or partial
// payloads may omit collections entirely; after Normalize a feature module
// can range over any collection without a nil check.
func (d *AppData) Normalize() {
	if d.Users == nil {
		d.Users = []User{}
	}
	if d.Notices == nil {
		d.Notices = []Notice{}
	}
	if d.Handovers == nil {
		d.Handovers = []Handover{}
	}
	if d.Inventory == nil {
		d.Inventory = []InventoryItem{}
	}
	if d.Reservations == nil {
		d.Reservations = []Reservation{}
	}
	if d.Schedules == nil {
		d.Schedules = []WorkSchedule{}
	}
	if d.Reports == nil {
		d.Reports = []DailyReport{}
	}
	if d.Tasks == nil {
		d.Tasks = []ChecklistItem{}
	}
	if d.Template == nil {
		d.Template = []ChecklistItem{}
	}
	if d.Recipes == nil {
		d.Recipes = []Recipe{}
	}
}

// Clone returns a deep copy.
func (d *AppData) Clone() *AppData {
	c := &AppData{
		Users:        append([]User(nil), d.Users...),
		Notices:      append([]Notice(nil), d.Notices...),
		Handovers:    append([]Handover(nil), d.Handovers...),
		Inventory:    append([]InventoryItem(nil), d.Inventory...),
		Reservations: append([]Reservation(nil), d.Reservations...),
		Schedules:    append([]WorkSchedule(nil), d.Schedules...),
		Reports:      append([]DailyReport(nil), d.Reports...),
		Tasks:        append([]ChecklistItem(nil), d.Tasks...),
		Template:     append([]ChecklistItem(nil), d.Template...),
		Recipes:      append([]Recipe(nil), d.Recipes...),
		LastUpdated:  d.LastUpdated,
	}
	c.Normalize()
	return c
}

// SetCollection replaces the named collection from raw JSON. The payload is
// unmarshalled into the statically matching element type, so a caller can
// never slot reservations under the inventory key or smuggle an object where
// an array belongs.
func (d *AppData) SetCollection(key CollectionKey, raw json.RawMessage) error {
	decode := func(dst any) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: bad payload for %q: %v", ErrInvalidCollection, key, err)
		}
		return nil
	}
	switch key {
	case KeyUsers:
		v := []User{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Users = v
	case KeyNotices:
		v := []Notice{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Notices = v
	case KeyHandovers:
		v := []Handover{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Handovers = v
	case KeyInventory:
		v := []InventoryItem{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Inventory = v
	case KeyReservations:
		v := []Reservation{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Reservations = v
	case KeySchedules:
		v := []WorkSchedule{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Schedules = v
	case KeyReports:
		v := []DailyReport{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Reports = v
	case KeyTasks:
		v := []ChecklistItem{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Tasks = v
	case KeyTemplate:
		v := []ChecklistItem{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Template = v
	case KeyRecipes:
		v := []Recipe{}
		if err := decode(&v); err != nil {
			return err
		}
		d.Recipes = v
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidCollection, key)
	}
	return nil
}

// Collection marshals the named collection back to JSON.
func (d *AppData) Collection(key CollectionKey) (json.RawMessage, error) {
	var v any
	switch key {
	case KeyUsers:
		v = d.Users
	case KeyNotices:
		v = d.Notices
	case KeyHandovers:
		v = d.Handovers
	case KeyInventory:
		v = d.Inventory
	case KeyReservations:
		v = d.Reservations
	case KeySchedules:
		v = d.Schedules
	case KeyReports:
		v = d.Reports
	case KeyTasks:
		v = d.Tasks
	case KeyTemplate:
		v = d.Template
	case KeyRecipes:
		v = d.Recipes
	default:
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidCollection, key)
	}
	return json.Marshal(v)
}

// NormalizeStoreID canonicalizes a store identifier slug: trimmed and
// lowercased, so "MyCafe " and "mycafe" select the same document.
func NormalizeStoreID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// FindUser looks a user up by id, case-insensitively.
func (d *AppData) FindUser(id string) (User, bool) {
	for _, u := range d.Users {
		if strings.EqualFold(u.ID, id) {
			return u, true
		}
	}
	return User{}, false
}
