package config

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/vault"
)

// LoadError reports one rejected entry. The rest of the file still loads.
type LoadError struct {
	// Section is "mcp_plugins" or "agents".
	Section string
	Index   int
	// ID is the plugin id or agent name, when it could be read.
	ID  string
	Err error
}

func (e *LoadError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s[%d] (%s): %v", e.Section, e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("%s[%d]: %v", e.Section, e.Index, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Options controls secret and environment resolution during Load.
type Options struct {
	// Secrets overrides the store built from the vault section.
	Secrets SecretStore
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// rawConfig defers entry decoding so one malformed entry cannot fail the
// whole document.
type rawConfig struct {
	Plugins struct {
		LocalServers []json.RawMessage `json:"local_servers"`
	} `json:"mcp_plugins"`
	Agents  []json.RawMessage `json:"agents"`
	Chat    ChatConfig        `json:"chat"`
	Vault   *VaultConfig      `json:"vault"`
	Manager ManagerConfig     `json:"manager"`
}

// Load reads and validates the config file at path. Entries that fail
// validation or env resolution are dropped and reported as LoadErrors next
// to the config holding every valid entry. The error return is reserved for
// problems with the file as a whole.
func Load(ctx context.Context, path string, opts Options) (*Config, []*LoadError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil, errors.Wrap(errors.ErrCodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", path), err).
				WithSuggestion("Pass --config or create conduit.json in the working directory")
		}
		return nil, nil, errors.Wrap(errors.ErrCodeConfigParse, fmt.Sprintf("read %s", path), err)
	}
	return parse(ctx, path, data, formatOf(path), opts)
}

// Format is a config file encoding.
type Format string

const (
	FormatJSON Format = "JSON"
	FormatYAML Format = "YAML"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse is Load for in-memory data.
func Parse(ctx context.Context, data []byte, format Format, opts Options) (*Config, []*LoadError, error) {
	return parse(ctx, "<input>", data, format, opts)
}

func parse(ctx context.Context, name string, data []byte, format Format, opts Options) (*Config, []*LoadError, error) {
	doc, err := normalize(data, format)
	if err != nil {
		return nil, nil, errors.NewConfigParseError(name, string(format), err)
	}

	violations, err := validateSchema(doc)
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrCodeConfigSchema, "schema validation failed", err)
	}
	if len(violations.global) > 0 {
		return nil, nil, errors.New(errors.ErrCodeConfigSchema,
			"config does not match schema:\n  - "+strings.Join(violations.global, "\n  - ")).
			WithSuggestion("Run 'conduit config schema' to print the expected shape")
	}

	var raw rawConfig
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, nil, errors.NewConfigParseError(name, string(format), err)
	}

	cfg := &Config{
		Chat:    raw.Chat,
		Vault:   raw.Vault,
		Manager: raw.Manager.WithDefaults(),
	}
	var loadErrs []*LoadError

	resolver := &Resolver{Secrets: opts.Secrets, LookupEnv: opts.LookupEnv}
	if resolver.Secrets == nil && cfg.Vault != nil {
		store, err := newVaultStore(ctx, resolver, *cfg.Vault)
		if err != nil {
			return nil, nil, err
		}
		resolver.Secrets = store
	}

	seen := make(map[string]int)
	for i, entry := range raw.Plugins.LocalServers {
		p := defaultPlugin()
		reject := func(err error) {
			loadErrs = append(loadErrs, &LoadError{Section: "mcp_plugins", Index: i, ID: p.ID, Err: err})
		}

		if err := json.Unmarshal(entry, &p); err != nil {
			reject(errors.Wrap(errors.ErrCodeConfigParse, "malformed plugin entry", err))
			continue
		}
		if msgs, bad := violations.plugins[i]; bad {
			reject(errors.New(errors.ErrCodeConfigMissingField, strings.Join(msgs, "; ")))
			continue
		}
		if err := p.Validate(); err != nil {
			code := errors.ErrCodeConfigMissingField
			if strings.Contains(p.ID, ":") {
				code = errors.ErrCodeConfigInvalidID
			}
			reject(errors.Wrap(code, "invalid plugin entry", err))
			continue
		}
		if first, dup := seen[p.ID]; dup {
			reject(errors.New(errors.ErrCodeConfigDuplicateID,
				fmt.Sprintf("duplicate plugin id %q (first defined at index %d)", p.ID, first)))
			continue
		}
		// Claimed before env resolution: a later entry reusing the id is a
		// duplicate even when this one is rejected.
		seen[p.ID] = i
		resolved, err := resolver.ResolveMap(ctx, p.Env)
		if err != nil {
			reject(errors.Wrap(errors.ErrCodeConfigEnvUnresolved, "unresolved env", err))
			continue
		}
		p.ResolvedEnv = resolved
		cfg.Plugins.LocalServers = append(cfg.Plugins.LocalServers, p)
	}

	agentNames := make(map[string]bool)
	for i, entry := range raw.Agents {
		a := defaultAgent()
		reject := func(err error) {
			loadErrs = append(loadErrs, &LoadError{Section: "agents", Index: i, ID: a.Name, Err: err})
		}

		if err := json.Unmarshal(entry, &a); err != nil {
			reject(errors.Wrap(errors.ErrCodeConfigParse, "malformed agent entry", err))
			continue
		}
		if msgs, bad := violations.agents[i]; bad {
			reject(errors.New(errors.ErrCodeConfigMissingField, strings.Join(msgs, "; ")))
			continue
		}
		if err := a.Validate(); err != nil {
			reject(errors.Wrap(errors.ErrCodeConfigMissingField, "invalid agent entry", err))
			continue
		}
		if agentNames[a.Name] {
			reject(errors.New(errors.ErrCodeConfigDuplicateID, fmt.Sprintf("duplicate agent name %q", a.Name)))
			continue
		}
		agentNames[a.Name] = true
		key, err := resolver.Resolve(ctx, a.APIKey)
		if err != nil {
			reject(errors.Wrap(errors.ErrCodeConfigEnvUnresolved, "unresolved api_key", err))
			continue
		}
		a.ResolvedAPIKey = key
		cfg.Agents = append(cfg.Agents, a)
	}

	if cfg.Chat.APIKey != "" {
		key, err := resolver.Resolve(ctx, cfg.Chat.APIKey)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCodeConfigEnvUnresolved, "chat.api_key", err)
		}
		cfg.Chat.ResolvedAPIKey = key
	}
	if cfg.Chat.MaxHistory == 0 {
		cfg.Chat.MaxHistory = DefaultMaxHistory
	}

	return cfg, loadErrs, nil
}

// normalize turns either encoding into plain JSON bytes.
func normalize(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return json.Marshal(doc)
	}

	doc := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(doc)) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(doc) {
		// Decode again to surface the position of the syntax error.
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// newVaultStore builds a Vault client from the vault section. The section's
// own values may use ${VAR} but not secret: references.
func newVaultStore(ctx context.Context, r *Resolver, vc VaultConfig) (SecretStore, error) {
	envOnly := &Resolver{LookupEnv: r.LookupEnv}
	address, err := envOnly.Resolve(ctx, vc.Address)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigSecret, "vault.address", err)
	}
	token, err := envOnly.Resolve(ctx, vc.Token)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigSecret, "vault.token", err)
	}

	vcfg := vault.Config{
		Address:   address,
		Token:     token,
		MountPath: vc.MountPath,
		Namespace: vc.Namespace,
		CacheTTL:  vc.CacheTTL.Duration(),
	}
	if vc.CACert != "" {
		vcfg.TLS = &vault.TLSConfig{CACert: vc.CACert}
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigSecret, "vault client", err).
			WithSuggestion("Set vault.token or the VAULT_TOKEN environment variable")
	}
	return client, nil
}
