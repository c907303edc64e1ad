// Package vault reads plugin secrets from a HashiCorp Vault KV v2 engine.
package vault

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Client is a minimal Vault HTTP client for KV v2 reads.
type Client struct {
	address   string
	token     string
	mountPath string
	namespace string

	httpClient *http.Client
	cache      *cache
}

// Config holds Vault client configuration.
type Config struct {
	// Address is the Vault server address (required)
	// Example: "https://vault.example.com:8200"
	Address string

	// Token is the Vault authentication token. Falls back to VAULT_TOKEN.
	Token string

	// MountPath is the KV v2 mount path (default: "secret")
	MountPath string

	// Namespace is the Vault namespace (optional, Enterprise feature)
	Namespace string

	TLS *TLSConfig

	// CacheTTL bounds how long a fetched secret is reused. Zero disables
	// caching.
	CacheTTL time.Duration

	// Timeout per HTTP request (default: 10s)
	Timeout time.Duration
}

// TLSConfig holds TLS/mTLS configuration.
type TLSConfig struct {
	CACert             string
	ClientCert         string
	ClientKey          string
	ServerName         string
	InsecureSkipVerify bool
}

// NewClient creates a new Vault client with the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set via config or VAULT_TOKEN env var)")
	}

	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient, err := createHTTPClient(cfg.TLS, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &Client{
		address:    cfg.Address,
		token:      token,
		mountPath:  cfg.MountPath,
		namespace:  cfg.Namespace,
		httpClient: httpClient,
		cache:      newCache(cfg.CacheTTL),
	}, nil
}

func createHTTPClient(tlsCfg *TLSConfig, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if tlsCfg != nil {
		if tlsCfg.CACert != "" {
			pool := x509.NewCertPool()
			caCert, err := os.ReadFile(tlsCfg.CACert)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA cert: %w", err)
			}
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA cert")
			}
			transport.TLSClientConfig.RootCAs = pool
		}

		if tlsCfg.ClientCert != "" && tlsCfg.ClientKey != "" {
			clientCert, err := tls.LoadX509KeyPair(tlsCfg.ClientCert, tlsCfg.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client cert/key: %w", err)
			}
			transport.TLSClientConfig.Certificates = []tls.Certificate{clientCert}
		}

		transport.TLSClientConfig.ServerName = tlsCfg.ServerName
		transport.TLSClientConfig.InsecureSkipVerify = tlsCfg.InsecureSkipVerify
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// addHeaders adds required headers to Vault API requests.
func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("X-Vault-Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}
}

// Health checks Vault server health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	// 200 active, 429 standby, 5xx sealed or broken.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// MountPath returns the configured KV mount path.
func (c *Client) MountPath() string {
	return c.mountPath
}

// Address returns the Vault server address.
func (c *Client) Address() string {
	return c.address
}
