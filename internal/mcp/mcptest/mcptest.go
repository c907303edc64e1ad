// Package mcptest runs a scriptable MCP server inside the test binary.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		mcptest.RunIfHelper()
//		os.Exit(m.Run())
//	}
//
// Server.Command then returns a command line that re-executes the test
// binary as a fake server.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	envHelper     = "CONDUIT_MCPTEST"
	envMode       = "MCPTEST_MODE"
	envTools      = "MCPTEST_TOOLS"
	envResources  = "MCPTEST_RESOURCES"
	envPaged      = "MCPTEST_PAGED"
	envIgnoreEOF  = "MCPTEST_IGNORE_EOF"
	envCrashAfter = "MCPTEST_CRASH_AFTER"
	envStderr     = "MCPTEST_STDERR"
)

// Mode selects a misbehaviour.
type Mode string

const (
	// ModeNormal is a well-behaved server.
	ModeNormal Mode = ""
	// ModeExit exits with status 3 before reading anything.
	ModeExit Mode = "exit"
	// ModeSilent reads requests and never answers them.
	ModeSilent Mode = "silent"
	// ModeNoPing answers ping with method-not-found.
	ModeNoPing Mode = "no-ping"
	// ModeHangPing never answers ping.
	ModeHangPing Mode = "hang-ping"
	// ModeGarbage answers tools/call with a line that is not JSON.
	ModeGarbage Mode = "garbage"
	// ModeBadHandshake answers initialize with a truncated message.
	ModeBadHandshake Mode = "bad-handshake"
	// ModeRPCError answers tools/call with a JSON-RPC error.
	ModeRPCError Mode = "rpc-error"
)

// DefaultTools are advertised when Server.Tools is empty.
//
//	echo  returns its "text" argument
//	fail  returns an isError result
//	sleep waits "ms" milliseconds
//	crash exits the process with status 2
//	grow  adds a tool named "extra" and sends tools/list_changed
var DefaultTools = []string{"echo", "fail", "sleep", "crash", "grow"}

// Server describes the fake server to launch.
type Server struct {
	Mode      Mode
	Tools     []string
	Resources bool
	// Paged returns tools/list one tool per page.
	Paged bool
	// IgnoreEOF keeps the process alive after stdin closes.
	IgnoreEOF bool
	// CrashAfter exits with status 1 this long after the handshake.
	CrashAfter time.Duration
	// Stderr is written to stderr at startup.
	Stderr string
}

// Command returns the executable and arguments that start the fake server.
func (s Server) Command() (string, []string) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return exe, []string{"-test.run=^$"}
}

// EnvMap returns the environment the fake server reads its script from.
func (s Server) EnvMap() map[string]string {
	env := map[string]string{envHelper: "1"}
	if s.Mode != ModeNormal {
		env[envMode] = string(s.Mode)
	}
	if len(s.Tools) > 0 {
		env[envTools] = strings.Join(s.Tools, ",")
	}
	if s.Resources {
		env[envResources] = "1"
	}
	if s.Paged {
		env[envPaged] = "1"
	}
	if s.IgnoreEOF {
		env[envIgnoreEOF] = "1"
	}
	if s.CrashAfter > 0 {
		env[envCrashAfter] = s.CrashAfter.String()
	}
	if s.Stderr != "" {
		env[envStderr] = s.Stderr
	}
	return env
}

// Env returns EnvMap as KEY=VALUE pairs.
func (s Server) Env() []string {
	m := s.EnvMap()
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// RunIfHelper serves the fake protocol and exits when the process was
// started by Server.Command. Otherwise it returns immediately.
func RunIfHelper() {
	if os.Getenv(envHelper) != "1" {
		return
	}
	os.Exit(serve(os.Stdin, os.Stdout, fromEnv()))
}

func fromEnv() Server {
	s := Server{
		Mode:      Mode(os.Getenv(envMode)),
		Resources: os.Getenv(envResources) == "1",
		Paged:     os.Getenv(envPaged) == "1",
		IgnoreEOF: os.Getenv(envIgnoreEOF) == "1",
		Stderr:    os.Getenv(envStderr),
	}
	if tools := os.Getenv(envTools); tools != "" {
		s.Tools = strings.Split(tools, ",")
	}
	if d, err := time.ParseDuration(os.Getenv(envCrashAfter)); err == nil {
		s.CrashAfter = d
	}
	return s
}

type inbound struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type server struct {
	cfg Server
	out io.Writer

	mu    sync.Mutex
	tools []string
}

func serve(in io.Reader, out io.Writer, cfg Server) int {
	if cfg.Mode == ModeExit {
		return 3
	}
	if cfg.Stderr != "" {
		fmt.Fprintln(os.Stderr, cfg.Stderr)
	}

	tools := cfg.Tools
	if len(tools) == 0 {
		tools = DefaultTools
	}
	s := &server{cfg: cfg, out: out, tools: append([]string(nil), tools...)}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg inbound
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		s.handle(msg)
	}

	for cfg.IgnoreEOF {
		time.Sleep(time.Hour)
	}
	return 0
}

func (s *server) send(v any) {
	data, _ := json.Marshal(v)
	s.raw(append(data, '\n'))
}

func (s *server) raw(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(line)
}

func (s *server) reply(id json.RawMessage, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *server) fail(id json.RawMessage, code int, message string) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
}

func (s *server) handle(msg inbound) {
	if s.cfg.Mode == ModeSilent || len(msg.ID) == 0 {
		if msg.Method == "notifications/initialized" && s.cfg.CrashAfter > 0 {
			time.AfterFunc(s.cfg.CrashAfter, func() { os.Exit(1) })
		}
		return
	}

	switch msg.Method {
	case "initialize":
		if s.cfg.Mode == ModeBadHandshake {
			s.raw([]byte(`{"jsonrpc":"2.0","id":` + string(msg.ID) + `,"result":` + "\n"))
			return
		}
		caps := map[string]any{"tools": map[string]any{"listChanged": true}}
		if s.cfg.Resources {
			caps["resources"] = map[string]any{}
			caps["prompts"] = map[string]any{}
		}
		s.reply(msg.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    caps,
			"serverInfo":      map[string]any{"name": "mcptest", "version": "0.0.1"},
		})
	case "ping":
		switch s.cfg.Mode {
		case ModeNoPing:
			s.fail(msg.ID, -32601, "Method not found")
		case ModeHangPing:
		default:
			s.reply(msg.ID, map[string]any{})
		}
	case "tools/list":
		s.listTools(msg)
	case "tools/call":
		go s.callTool(msg)
	case "resources/list":
		s.reply(msg.ID, map[string]any{"resources": []map[string]any{
			{"uri": "file:///tmp/readme.md", "name": "readme", "mimeType": "text/markdown"},
		}})
	case "prompts/list":
		s.reply(msg.ID, map[string]any{"prompts": []map[string]any{
			{"name": "summarize", "arguments": []map[string]any{{"name": "text", "required": true}}},
		}})
	default:
		s.fail(msg.ID, -32601, "Method not found")
	}
}

func toolDescriptor(name string) map[string]any {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	switch name {
	case "echo":
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		}
	case "sleep":
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"ms": map[string]any{"type": "integer", "minimum": 0}},
		}
	}
	return map[string]any{"name": name, "description": "test tool " + name, "inputSchema": schema}
}

func (s *server) listTools(msg inbound) {
	s.mu.Lock()
	names := append([]string(nil), s.tools...)
	s.mu.Unlock()

	if !s.cfg.Paged {
		descs := make([]map[string]any, 0, len(names))
		for _, n := range names {
			descs = append(descs, toolDescriptor(n))
		}
		s.reply(msg.ID, map[string]any{"tools": descs})
		return
	}

	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	idx, _ := strconv.Atoi(params.Cursor)
	if idx >= len(names) {
		s.reply(msg.ID, map[string]any{"tools": []any{}})
		return
	}
	page := map[string]any{"tools": []any{toolDescriptor(names[idx])}}
	if idx+1 < len(names) {
		page["nextCursor"] = strconv.Itoa(idx + 1)
	}
	s.reply(msg.ID, page)
}

func (s *server) callTool(msg inbound) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.fail(msg.ID, -32602, "invalid params")
		return
	}
	switch s.cfg.Mode {
	case ModeRPCError:
		s.fail(msg.ID, -32000, "tool backend unavailable")
		return
	case ModeGarbage:
		s.raw([]byte("this is not json\n"))
		return
	}

	text := func(t string, isError bool) {
		s.reply(msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": t}},
			"isError": isError,
		})
	}

	switch params.Name {
	case "echo":
		v, _ := params.Arguments["text"].(string)
		text(v, false)
	case "fail":
		text("tool failed on purpose", true)
	case "sleep":
		ms, _ := params.Arguments["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		text("slept", false)
	case "crash":
		os.Exit(2)
	case "grow":
		s.mu.Lock()
		s.tools = append(s.tools, "extra")
		s.mu.Unlock()
		s.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"})
		text("grown", false)
	case "extra":
		text("extra", false)
	default:
		s.fail(msg.ID, -32602, "unknown tool: "+params.Name)
	}
}
