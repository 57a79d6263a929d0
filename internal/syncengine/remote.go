package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"satutoko/internal/appdata"
)

// HTTPRemote talks to the server's document store endpoints. It implements
// DocumentRemote, so an engine using it runs the polling loop.
type HTTPRemote struct {
	BaseURL string
	StoreID string
	Token   string
	Client  *http.Client
}

func NewHTTPRemote(baseURL, storeID, token string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		StoreID: appdata.NormalizeStoreID(storeID),
		Token:   token,
		Client:  &http.Client{},
	}
}

func (r *HTTPRemote) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	return r.Client.Do(req)
}

// Fetch reads the whole document. The `t` query parameter busts any
// intermediate cache. A 404 becomes ErrNotFound; a payload that is not a
// JSON object counts as a transport failure.
func (r *HTTPRemote) Fetch(ctx context.Context) (*appdata.AppData, error) {
	url := fmt.Sprintf("%s/api/stores/%s?t=%d", r.BaseURL, r.StoreID, time.Now().UnixMilli())
	resp, err := r.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching document", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("malformed document payload")
	}

	var doc appdata.AppData
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("malformed document payload: %w", err)
	}
	doc.Normalize()
	return &doc, nil
}

// Publish uploads the full document; the server merges and echoes the
// result.
func (r *HTTPRemote) Publish(ctx context.Context, doc *appdata.AppData) (*appdata.AppData, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/stores/%s", r.BaseURL, r.StoreID)
	resp, err := r.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d publishing document", resp.StatusCode)
	}

	var merged appdata.AppData
	if err := json.NewDecoder(resp.Body).Decode(&merged); err != nil {
		return nil, err
	}
	merged.Normalize()
	return &merged, nil
}

// PatchCollection replaces one named collection server-side.
func (r *HTTPRemote) PatchCollection(ctx context.Context, key appdata.CollectionKey, data json.RawMessage) error {
	body, err := json.Marshal(struct {
		Key  appdata.CollectionKey `json:"key"`
		Data json.RawMessage       `json:"data"`
	}{Key: key, Data: data})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/stores/%s/update", r.BaseURL, r.StoreID)
	resp, err := r.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d patching collection %s", resp.StatusCode, key)
	}
	return nil
}
