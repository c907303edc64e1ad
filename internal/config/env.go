package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// SecretStore resolves secret:<path>#<key> references.
type SecretStore interface {
	Secret(ctx context.Context, path, key string) (string, error)
}

// StaticStore is an in-memory SecretStore keyed by path, then key.
type StaticStore map[string]map[string]string

// Secret implements SecretStore.
func (s StaticStore) Secret(_ context.Context, path, key string) (string, error) {
	fields, ok := s[path]
	if !ok {
		return "", fmt.Errorf("secret not found at path: %s", path)
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("secret not found: key %q at path %s", key, path)
	}
	return v, nil
}

const secretPrefix = "secret:"

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Resolver expands env value references.
type Resolver struct {
	// Secrets serves secret: references. Nil rejects them.
	Secrets SecretStore
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Resolve expands one value. Accepted forms:
//
//	literal
//	${VAR} and ${VAR:-default}, anywhere in the value
//	secret:<path>#<key>, as the whole value
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if strings.HasPrefix(value, secretPrefix) {
		return r.resolveSecret(ctx, strings.TrimPrefix(value, secretPrefix))
	}

	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	out := varPattern.ReplaceAllStringFunc(value, func(ref string) string {
		m := varPattern.FindStringSubmatch(ref)
		v, ok := lookup(m[1])
		if ok && (v != "" || m[2] == "") {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		missing = append(missing, m[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

func (r *Resolver) resolveSecret(ctx context.Context, ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("secret reference %q must look like secret:<path>#<key>", secretPrefix+ref)
	}
	if r.Secrets == nil {
		return "", fmt.Errorf("secret reference %q needs a vault section", secretPrefix+ref)
	}
	v, err := r.Secrets.Secret(ctx, path, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s%s: %w", secretPrefix, ref, err)
	}
	return v, nil
}

// ResolveMap expands every value of env, reporting the first failing key.
func (r *Resolver) ResolveMap(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}
