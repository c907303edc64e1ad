package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrSecretNotFound is returned when the path or key does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Secret represents a Vault KV v2 secret.
type Secret struct {
	Data     map[string]any  `json:"data"`
	Metadata *SecretMetadata `json:"metadata,omitempty"`
}

// SecretMetadata contains version metadata for KV v2 secrets.
type SecretMetadata struct {
	CreatedTime string `json:"created_time"`
	Destroyed   bool   `json:"destroyed"`
	Version     int    `json:"version"`
}

// Read fetches the latest version of the secret at path.
func (c *Client) Read(ctx context.Context, path string) (*Secret, error) {
	path = strings.Trim(path, "/")
	if s, ok := c.cache.get(path); ok {
		return s, nil
	}

	// KV v2 API path format: /v1/{mount}/data/{path}
	url := fmt.Sprintf("%s/v1/%s/data/%s", c.address, c.mountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w at path: %s", ErrSecretNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("failed to read secret (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data Secret `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	if envelope.Data.Metadata != nil && envelope.Data.Metadata.Destroyed {
		return nil, fmt.Errorf("%w at path: %s (destroyed)", ErrSecretNotFound, path)
	}

	c.cache.put(path, &envelope.Data)
	return &envelope.Data, nil
}

// Secret returns a single string field of the secret at path. It lets the
// client serve as the config loader's secret store.
func (c *Client) Secret(ctx context.Context, path, key string) (string, error) {
	s, err := c.Read(ctx, path)
	if err != nil {
		return "", err
	}
	v, ok := s.Data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %q at path %s", ErrSecretNotFound, key, path)
	}
	switch val := v.(type) {
	case string:
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("secret %s#%s: %w", path, key, err)
		}
		return string(b), nil
	}
}

type cacheEntry struct {
	secret  *Secret
	expires time.Time
}

type cache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *cache) get(path string) (*Secret, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, path)
		return nil, false
	}
	return e.secret, true
}

func (c *cache) put(path string, s *Secret) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{secret: s, expires: time.Now().Add(c.ttl)}
}
