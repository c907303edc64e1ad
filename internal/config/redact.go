package config

import (
	"maps"
	"regexp"
	"slices"
	"strings"
)

const redactedMarker = "***REDACTED***"

var sensitiveKey = regexp.MustCompile(`(?i)(key|token|secret|passw|credential|auth)`)

// Redacted returns a copy of c that is safe to print. Literal api keys,
// the vault token and env values under credential-looking names are
// masked. ${VAR} and secret: references are kept: they name a secret
// without holding it.
func (c *Config) Redacted() *Config {
	out := *c
	out.Plugins.LocalServers = slices.Clone(c.Plugins.LocalServers)
	for i, p := range out.Plugins.LocalServers {
		if len(p.Env) == 0 {
			continue
		}
		env := maps.Clone(p.Env)
		for k, v := range env {
			if sensitiveKey.MatchString(k) {
				env[k] = redact(v)
			}
		}
		out.Plugins.LocalServers[i].Env = env
		out.Plugins.LocalServers[i].ResolvedEnv = nil
	}

	out.Agents = slices.Clone(c.Agents)
	for i := range out.Agents {
		out.Agents[i].APIKey = redact(out.Agents[i].APIKey)
		out.Agents[i].ResolvedAPIKey = ""
	}

	out.Chat.APIKey = redact(c.Chat.APIKey)
	out.Chat.ResolvedAPIKey = ""

	if c.Vault != nil {
		v := *c.Vault
		v.Token = redact(v.Token)
		out.Vault = &v
	}
	return &out
}

// redact masks v unless it is empty or only a reference. Long values keep
// a short prefix and suffix so two keys can still be told apart.
func redact(v string) string {
	if v == "" || isReference(v) {
		return v
	}
	if len(v) <= 20 {
		return redactedMarker
	}
	return v[:4] + redactedMarker + v[len(v)-4:]
}

func isReference(v string) bool {
	if strings.HasPrefix(v, secretPrefix) {
		return true
	}
	return strings.TrimSpace(varPattern.ReplaceAllString(v, "")) == ""
}
