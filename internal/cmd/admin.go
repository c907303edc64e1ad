package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/plugin"
	"github.com/felixgeelhaar/conduit/internal/server"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

// adminClient talks to the admin endpoints of a running `conduit serve`.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &adminClient{
		base: base,
		http: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *adminClient) plugins(ctx context.Context) ([]plugin.Info, error) {
	var infos []plugin.Info
	err := c.do(ctx, http.MethodGet, "/plugins", &infos)
	return infos, err
}

func (c *adminClient) tools(ctx context.Context) ([]tools.Entry, error) {
	var entries []tools.Entry
	err := c.do(ctx, http.MethodGet, "/tools", &entries)
	return entries, err
}

// control runs start, stop or restart on the server's plugin manager.
func (c *adminClient) control(ctx context.Context, id, action string) (plugin.Info, error) {
	var info plugin.Info
	err := c.do(ctx, http.MethodPost, "/plugins/"+id+"/"+action, &info)
	return info, err
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransportClosed, "conduit server unreachable at "+c.base, err).
			WithSuggestion("Start it with 'conduit serve' or drop --server to run plugins locally")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb server.ErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			if eb.Code != "" {
				return errors.New(errors.ErrorCode(eb.Code), eb.Error)
			}
			return fmt.Errorf("%s %s: %s", method, path, eb.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
