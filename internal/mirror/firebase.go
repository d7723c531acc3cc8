package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FirebaseStore talks to a Firebase Realtime Database over its REST API
type FirebaseStore struct {
	baseURL string
	auth    string
	client  *http.Client
}

// NewFirebaseStore creates a store for the database at baseURL, e.g.
// https://project-default-rtdb.firebaseio.com. auth is an optional
// database secret or ID token.
func NewFirebaseStore(baseURL, auth string, timeout time.Duration) *FirebaseStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FirebaseStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		auth:    auth,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *FirebaseStore) endpoint(p string) string {
	u := f.baseURL + Join(p, "") + ".json"
	if f.auth != "" {
		u += "?auth=" + url.QueryEscape(f.auth)
	}
	return u
}

func (f *FirebaseStore) Get(ctx context.Context, p string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint(p), nil)
	if err != nil {
		return nil, err
	}
	body, err := f.do(req)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	switch m := v.(type) {
	case nil:
		return nil, ErrNotFound
	case map[string]any:
		return m, nil
	default:
		return nil, fmt.Errorf("%s holds a %T, not an object", p, v)
	}
}

func (f *FirebaseStore) Set(ctx context.Context, p string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, f.endpoint(p), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = f.do(req)
	return err
}

func (f *FirebaseStore) do(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

func (f *FirebaseStore) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
