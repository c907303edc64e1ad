package config

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Schema returns the embedded JSON Schema for the config file.
func Schema() []byte {
	return schemaJSON
}

// schemaViolations groups validation failures by where they occurred:
// inside one plugin entry, inside one agent entry, or elsewhere.
type schemaViolations struct {
	plugins map[int][]string
	agents  map[int][]string
	global  []string
}

var entryContext = regexp.MustCompile(`^\(root\)\.(mcp_plugins\.local_servers|agents)\.(\d+)`)

func validateSchema(doc []byte) (*schemaViolations, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate config schema: %w", err)
	}

	v := &schemaViolations{plugins: map[int][]string{}, agents: map[int][]string{}}
	if result.Valid() {
		return v, nil
	}

	for _, desc := range result.Errors() {
		ctx := desc.Context().String()
		msg := fmt.Sprintf("%s: %s", strings.TrimPrefix(desc.Field(), "(root)."), desc.Description())
		m := entryContext.FindStringSubmatch(ctx)
		if m == nil {
			v.global = append(v.global, msg)
			continue
		}
		idx, _ := strconv.Atoi(m[2])
		if m[1] == "agents" {
			v.agents[idx] = append(v.agents[idx], msg)
		} else {
			v.plugins[idx] = append(v.plugins[idx], msg)
		}
	}
	return v, nil
}
