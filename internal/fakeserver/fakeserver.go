// Package fakeserver implements a scriptable line-delimited JSON-RPC tool
// server for tests. Test binaries re-execute themselves with EnvMode set and
// call Main from TestMain, which lets process-level tests drive a real child
// without depending on node or the GitLab server package.
//
// The fake speaks raw lines rather than going through an SDK server so it can
// interleave garbage, duplicate replies and crash on demand.
package fakeserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

const (
	// EnvMode selects the behaviour of the child. Its presence marks the
	// process as a fake server.
	EnvMode = "FAKESERVER_MODE"
	// EnvReadyDelay delays the readiness line, in Go duration syntax.
	EnvReadyDelay = "FAKESERVER_READY_DELAY"
	// EnvSpawnLog names a file to which the child appends its pid on start.
	EnvSpawnLog = "FAKESERVER_SPAWN_LOG"
)

// Modes understood by Run.
const (
	ModeEcho       = "echo"
	ModeSilent     = "silent"
	ModeCrash      = "crash"
	ModeExit       = "exit"
	ModeIgnoreTerm = "ignore-term"
	ModeWarn       = "warn"
	// ModeDeaf reports ready and then never reads stdin, so the pipe fills.
	ModeDeaf       = "deaf"
)

// ReadyLine is written to stderr once the fake is accepting input.
const ReadyLine = "GitLab MCP Server running on stdio"

// Methods with scripted behaviour. Anything else is answered with an echo of
// its method and params.
const (
	MethodEmit   = "fake/emit"
	MethodSleep  = "fake/sleep"
	MethodNever  = "fake/never"
	MethodDup    = "fake/dup"
	MethodNoise  = "fake/noise"
	MethodExit   = "fake/exit"
	MethodEnv    = "fake/env"
	MethodCancel = "fake/cancelled"
)

// Requested reports whether the current process was started as a fake server.
func Requested() bool {
	_, ok := os.LookupEnv(EnvMode)
	return ok
}

// Main runs the fake server against the process's standard streams and exits.
func Main() {
	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Getenv(EnvMode)))
}

// Env returns the environment entries that turn a re-executed test binary
// into a fake server running in the given mode.
func Env(mode string, extra ...string) []string {
	return append([]string{EnvMode + "=" + mode}, extra...)
}

// Run serves requests from in until it is closed and returns the exit code.
func Run(in io.Reader, out io.Writer, diag io.Writer, mode string) int {
	if path := os.Getenv(EnvSpawnLog); path != "" {
		if f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
		}
	}

	switch mode {
	case ModeCrash:
		fmt.Fprintln(diag, "Error: Cannot find module '@modelcontextprotocol/server-gitlab'")
		return 1
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
	case ModeWarn:
		fmt.Fprintln(diag, "(node:1) [DEP0040] DeprecationWarning: The `punycode` module is deprecated.")
	}

	if d, err := time.ParseDuration(os.Getenv(EnvReadyDelay)); err == nil && d > 0 {
		time.Sleep(d)
	}

	if mode == ModeExit {
		return 3
	}
	if mode != ModeSilent {
		fmt.Fprintln(diag, ReadyLine)
	}
	if mode == ModeDeaf {
		for {
			time.Sleep(time.Hour)
		}
	}

	s := &server{out: out}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), jsonrpc.DefaultMaxLineBytes)
	for sc.Scan() {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			fmt.Fprintf(diag, "fake: ignoring malformed input: %v\n", err)
			continue
		}
		if code, done := s.handle(&msg); done {
			s.wg.Wait()
			return code
		}
	}
	s.wg.Wait()
	if mode == ModeIgnoreTerm {
		for {
			time.Sleep(time.Hour)
		}
	}
	return 0
}

type server struct {
	mu  sync.Mutex
	out io.Writer
	wg  sync.WaitGroup
}

func (s *server) write(lines ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf []byte
	for _, l := range lines {
		buf = append(buf, l...)
	}
	_, _ = s.out.Write(buf)
}

func (s *server) reply(id *jsonrpc.RequestID, result any) []byte {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	b, _ := jsonrpc.Encode(resp)
	return b
}

func (s *server) handle(msg *jsonrpc.AnyMessage) (int, bool) {
	switch msg.Type() {
	case jsonrpc.TypeNotification:
		if msg.Method == "notifications/cancelled" {
			n, _ := jsonrpc.NewNotification(MethodCancel, json.RawMessage(msg.Params))
			b, _ := jsonrpc.Encode(n)
			s.write(b)
		}
		return 0, false
	case jsonrpc.TypeResponse:
		return 0, false
	}

	switch msg.Method {
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		if p.ProtocolVersion == "" {
			p.ProtocolVersion = "2025-06-18"
		}
		s.write(s.reply(msg.ID, map[string]any{
			"protocolVersion": p.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-gitlab", "version": "0.0.0"},
		}))
	case "ping":
		s.write(s.reply(msg.ID, map[string]any{}))
	case "tools/list":
		s.write(s.reply(msg.ID, map[string]any{
			"tools": []map[string]any{{
				"name":        "get_project",
				"description": "Get details of a GitLab project",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"project_id": map[string]any{"type": "string"}},
					"required":   []string{"project_id"},
				},
			}},
		}))
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		s.write(s.reply(msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(p.Arguments)}},
		}))
	case MethodEmit:
		n, _ := jsonrpc.NewNotification("notifications/message", map[string]any{"level": "info", "data": "hello"})
		nb, _ := jsonrpc.Encode(n)
		s.write(nb)
		s.write(s.reply(msg.ID, map[string]any{"emitted": true}))
	case MethodSleep:
		var p struct {
			Ms int `json:"ms"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		id := msg.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			time.Sleep(time.Duration(p.Ms) * time.Millisecond)
			s.write(s.reply(id, map[string]any{"slept": p.Ms}))
		}()
	case MethodNever:
	case MethodDup:
		b := s.reply(msg.ID, map[string]any{"dup": true})
		s.write(b, b)
	case MethodNoise:
		s.write([]byte("not json at all\n"), s.reply(msg.ID, map[string]any{"noise": true}))
	case MethodExit:
		var p struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		return p.Code, true
	case MethodEnv:
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		s.write(s.reply(msg.ID, map[string]any{"value": os.Getenv(p.Name), "pid": strconv.Itoa(os.Getpid())}))
	default:
		s.write(s.reply(msg.ID, map[string]any{"method": msg.Method, "params": msg.Params}))
	}
	return 0, false
}
