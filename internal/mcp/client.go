package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/log"
)

// Defaults for Options fields left zero.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultShutdownGrace = 2 * time.Second

	notificationBuffer = 32
	brokenPipeSettle   = 250 * time.Millisecond
)

// Options describes the server process and how to talk to it.
type Options struct {
	Command string
	Args    []string
	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string
	Dir string

	// Timeout bounds every request, including the handshake.
	Timeout time.Duration
	// ShutdownGrace is how long Close waits after closing stdin before
	// killing the process.
	ShutdownGrace time.Duration

	ClientInfo Implementation
	Logger     *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = Implementation{Name: "conduit", Version: "dev"}
	}
	o.Logger = log.OrDefault(o.Logger)
	return o
}

type result struct {
	raw json.RawMessage
	err error
}

// Client is a connection to one MCP server process.
type Client struct {
	opts Options
	log  *log.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan result
	closing bool
	exited  bool
	broken  error
	server  *InitializeResult

	notifications chan Notification

	done    chan struct{}
	exitErr error

	closeOnce sync.Once
}

// Start spawns the server process. The process keeps running after ctx is
// done; call Close to stop it.
func Start(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(opts.Command)
	if err != nil {
		return nil, errors.NewExecutableNotFoundError(opts.Command, err)
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Dir = opts.Dir
	cmd.Stderr = opts.Logger.Writer(log.LevelDebug, "plugin stderr")
	cmd.WaitDelay = opts.ShutdownGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransportSpawn, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransportSpawn, "stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeTransportSpawn,
			fmt.Sprintf("start %s", opts.Command), err)
	}

	c := &Client{
		opts:          opts,
		log:           opts.Logger.With("pid", cmd.Process.Pid),
		cmd:           cmd,
		stdin:         stdin,
		pending:       make(map[int64]chan result),
		notifications: make(chan Notification, notificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop(stdout)

	c.log.Debug("plugin process started", "command", opts.Command, "args", opts.Args)
	return c, nil
}

// Connect spawns the server and completes the handshake. On failure the
// process is stopped.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	c, err := Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Initialize performs the initialize / notifications/initialized exchange.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.opts.ClientInfo,
	}

	var res InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &res); err != nil {
		switch {
		case errors.HasCode(err, errors.ErrCodeTransportCallTimeout),
			stderrors.Is(err, context.DeadlineExceeded):
			return nil, errors.Wrap(errors.ErrCodeTransportHandshakeTimeout,
				fmt.Sprintf("no initialize reply within %s", c.opts.Timeout), err).
				WithSuggestion("Check that the command starts an MCP server on stdio")
		case errors.HasCode(err, errors.ErrCodeTransportExited):
			return nil, errors.Wrap(errors.ErrCodeTransportExited,
				"process exited before completing the handshake", err)
		}
		return nil, err
	}

	if res.ProtocolVersion != ProtocolVersion {
		c.log.Info("server negotiated a different protocol version",
			"requested", ProtocolVersion, "server", res.ProtocolVersion)
	}

	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.server = &res
	c.mu.Unlock()

	c.log.Debug("handshake complete", "server", res.ServerInfo.Name, "server_version", res.ServerInfo.Version)
	return &res, nil
}

// Server returns the handshake result, or nil before Initialize succeeds.
func (c *Client) Server() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Call sends a request and decodes the result into out (which may be nil).
// It waits at most the configured timeout.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.broken != nil {
		err := c.broken
		c.mu.Unlock()
		return err
	}
	if c.closing || c.exited {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out == nil || len(r.raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.raw, out); err != nil {
			return errors.Wrap(errors.ErrCodeProtocolMalformed,
				fmt.Sprintf("decode %s result", method), err)
		}
		return nil
	case <-timer.C:
		return errors.New(errors.ErrCodeTransportCallTimeout,
			fmt.Sprintf("%s: no reply within %s", method, c.opts.Timeout))
	case <-ctx.Done():
		c.cancelRequest(id, ctx.Err())
		return ctx.Err()
	}
}

// cancelRequest tells the server to stop working on id. Best effort.
func (c *Client) cancelRequest(id int64, reason error) {
	_ = c.write(request{
		JSONRPC: jsonrpcVersion,
		Method:  MethodCancelled,
		Params:  map[string]any{"requestId": id, "reason": reason.Error()},
	})
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrCodeProtocolMalformed, "encode request", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(data); err != nil {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return c.closedErr()
		}
		// A dead reader usually means the process is exiting; prefer
		// reporting the exit once the read side has seen it.
		select {
		case <-c.done:
			return c.closedErr()
		case <-time.After(brokenPipeSettle):
		}
		return errors.Wrap(errors.ErrCodeTransportBrokenPipe, "write to plugin", err)
	}
	return nil
}

// Ping checks that the server is answering. A "method not found" reply
// still proves the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	err := c.Call(ctx, MethodPing, nil, nil)
	if IsMethodNotFound(err) {
		return nil
	}
	return err
}

// IsMethodNotFound reports whether err is a JSON-RPC method-not-found reply.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return stderrors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// ListTools returns every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		var page listToolsResult
		if err := c.Call(ctx, MethodToolsList, listParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// ListResources returns the server's resources, or nil when it does not
// advertise the capability.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	if s := c.Server(); s == nil || s.Capabilities.Resources == nil {
		return nil, nil
	}
	var out []Resource
	cursor := ""
	for {
		var page listResourcesResult
		if err := c.Call(ctx, MethodResourcesList, listParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Resources...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// ListPrompts returns the server's prompts, or nil when it does not
// advertise the capability.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if s := c.Server(); s == nil || s.Capabilities.Prompts == nil {
		return nil, nil
	}
	var out []Prompt
	cursor := ""
	for {
		var page listPromptsResult
		if err := c.Call(ctx, MethodPromptsList, listParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Prompts...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool. A result flagged isError is returned as a
// TOOL-005 error carrying the result text.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var res CallToolResult
	if err := c.Call(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	if res.IsError {
		return &res, errors.New(errors.ErrCodeToolExecution, res.Text())
	}
	return &res, nil
}

// Notifications delivers unsolicited server notifications. It is closed
// when the process exits.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed once the process has exited and all reads finished.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err blocks until the process has exited and returns why.
func (c *Client) Err() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Pid returns the server's process id.
func (c *Client) Pid() int {
	return c.cmd.Process.Pid
}

// Close asks the server to exit by closing its stdin, waits for the grace
// period, then kills it. Pending calls fail with a transport-closed error.
// Close is idempotent and always returns nil once the process is gone.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.failPending(c.closedErr())

		c.writeMu.Lock()
		_ = c.stdin.Close()
		c.writeMu.Unlock()

		timer := time.NewTimer(c.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		c.log.Debug("plugin did not exit after stdin closed, killing")
		_ = c.cmd.Process.Kill()

		select {
		case <-c.done:
		case <-time.After(c.opts.ShutdownGrace):
			c.log.Warn("plugin output still open after kill")
		}
	})
	return nil
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closing && c.exited && c.exitErr != nil {
		return c.exitErr
	}
	return errors.New(errors.ErrCodeTransportClosed, "transport closed")
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
}

// readLoop owns stdout. It exits at EOF, then reaps the process.
func (c *Client) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if perr := c.dispatch(line); perr != nil {
				c.breakConnection(perr, line)
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("plugin stdout read failed", "error", err)
			}
			break
		}
	}

	waitErr := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	switch {
	case c.closing:
		c.exitErr = errors.New(errors.ErrCodeTransportClosed, "transport closed")
	case c.broken != nil:
		c.exitErr = c.broken
	default:
		c.exitErr = errors.Wrap(errors.ErrCodeTransportExited, exitDescription(c.cmd), waitErr)
	}
	exitErr := c.exitErr
	c.mu.Unlock()

	c.log.Debug("plugin process exited", "state", c.cmd.ProcessState.String())
	c.failPending(exitErr)
	close(c.notifications)
	close(c.done)
}

func exitDescription(cmd *exec.Cmd) string {
	if cmd.ProcessState == nil {
		return "process exited"
	}
	return fmt.Sprintf("process exited with code %d", cmd.ProcessState.ExitCode())
}

// dispatch routes one line from stdout. A line that is not a JSON-RPC 2.0
// message, or a message that is neither a request, a notification nor a
// response, is a protocol error.
func (c *Client) dispatch(line []byte) error {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return errors.Wrap(errors.ErrCodeProtocolMalformed, "malformed message from plugin", err)
	}
	if msg.JSONRPC != jsonrpcVersion {
		return errors.Newf(errors.ErrCodeProtocolMalformed,
			"unexpected jsonrpc version %q from plugin", msg.JSONRPC)
	}

	switch {
	case msg.Method != "" && msg.hasID():
		c.answerServerRequest(msg)
	case msg.Method != "":
		c.deliverNotification(Notification{Method: msg.Method, Params: msg.Params})
	case msg.hasID():
		return c.resolve(msg)
	default:
		return errors.New(errors.ErrCodeProtocolMalformed, "message from plugin has neither id nor method")
	}
	return nil
}

// breakConnection fails every pending call with err and kills the process.
// readLoop stops reading and reports err as the exit cause.
func (c *Client) breakConnection(err error, line []byte) {
	c.mu.Lock()
	c.broken = err
	c.mu.Unlock()

	c.log.WithError(err).Warn("plugin broke the protocol, dropping connection",
		"line", truncate(line, 200))
	c.failPending(err)
	_ = c.cmd.Process.Kill()
}

func (c *Client) resolve(msg message) error {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		return errors.Newf(errors.ErrCodeProtocolMalformed,
			"response id %s does not match any request", string(msg.ID))
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ignoring response to abandoned request", "id", id)
		return nil
	}

	if msg.Error != nil {
		ch <- result{err: errors.Wrap(errors.ErrCodeProtocolRPC, "server returned an error", msg.Error)}
		return nil
	}
	ch <- result{raw: msg.Result}
	return nil
}

// answerServerRequest handles requests the server sends us. Only ping is
// supported.
func (c *Client) answerServerRequest(msg message) {
	resp := response{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == MethodPing {
		resp.Result = struct{}{}
	} else {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	if err := c.write(resp); err != nil {
		c.log.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

func (c *Client) deliverNotification(n Notification) {
	if n.Method == MethodLogMessage {
		var p struct {
			Level  string `json:"level"`
			Logger string `json:"logger"`
			Data   any    `json:"data"`
		}
		if json.Unmarshal(n.Params, &p) == nil {
			c.log.Debug("plugin log", "level", p.Level, "logger", p.Logger, "data", p.Data)
		}
		return
	}

	select {
	case c.notifications <- n:
	default:
		c.log.Warn("notification queue full, dropping", "method", n.Method)
	}
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
