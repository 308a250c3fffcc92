// Package transport turns launch configurations into connected MCP clients.
// It decides which wire transport a config calls for and constructs the
// matching mcp-go client, leaving session lifecycle (start, initialize,
// reconnect) to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"

	"switchboard/internal/launch"
)

// ErrInvalidConfig reports a launch configuration no transport can serve.
var ErrInvalidConfig = errors.New("invalid transport configuration")

// Environment variables a stdio child inherits from the proxy process.
// Everything else comes from the launch config.
var inheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR"}

const defaultHTTPTimeout = 30 * time.Second

// Factory constructs MCP clients from launch configurations.
type Factory struct {
	httpTimeout time.Duration
}

// NewFactory creates a Factory. A zero httpTimeout uses the default.
func NewFactory(httpTimeout time.Duration) *Factory {
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}
	return &Factory{httpTimeout: httpTimeout}
}

// Candidates resolves the transports to try for a config, in order. An
// explicit transport pins the list to that one entry; otherwise the config
// shape decides, with remote servers trying streamable HTTP first and
// falling back to SSE.
func (f *Factory) Candidates(cfg *launch.Config) ([]launch.TransportType, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	switch cfg.Transport {
	case launch.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("%w: stdio transport requires a command", ErrInvalidConfig)
		}
		return []launch.TransportType{launch.TransportStdio}, nil
	case launch.TransportStreamableHTTP, launch.TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: %s transport requires a url", ErrInvalidConfig, cfg.Transport)
		}
		return []launch.TransportType{cfg.Transport}, nil
	case launch.TransportAuto:
		// fall through to shape inference
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}

	if cfg.Command != "" {
		return []launch.TransportType{launch.TransportStdio}, nil
	}
	if isSSEPath(cfg.URL) {
		return []launch.TransportType{launch.TransportSSE}, nil
	}
	return []launch.TransportType{launch.TransportStreamableHTTP, launch.TransportSSE}, nil
}

// isSSEPath reports whether a URL names a legacy SSE endpoint outright, in
// which case the streamable attempt is skipped.
func isSSEPath(rawURL string) bool {
	trimmed := strings.TrimRight(rawURL, "/")
	base := path.Base(trimmed)
	return base == "sse" || base == "events"
}

// NewClient constructs an unstarted client for one transport; the caller
// owns Start and Initialize. Client options carry the reverse-request
// handlers. The base round tripper, when non-nil, wraps outgoing HTTP
// requests; stdio ignores it.
func (f *Factory) NewClient(cfg *launch.Config, tt launch.TransportType, base http.RoundTripper, opts ...client.ClientOption) (*client.Client, error) {
	switch tt {
	case launch.TransportStdio:
		t, err := f.newStdioTransport(cfg)
		if err != nil {
			return nil, err
		}
		return client.NewClient(decorate(t), opts...), nil
	case launch.TransportStreamableHTTP:
		t, err := mcptransport.NewStreamableHTTP(
			cfg.URL,
			mcptransport.WithHTTPTimeout(f.httpTimeout),
			mcptransport.WithHTTPBasicClient(f.httpClient(base)),
			mcptransport.WithHTTPHeaders(cfg.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable-http transport: %w", err)
		}
		return client.NewClient(decorate(t), opts...), nil
	case launch.TransportSSE:
		t, err := mcptransport.NewSSE(
			cfg.URL,
			mcptransport.WithHTTPClient(f.httpClient(base)),
			mcptransport.WithHeaders(cfg.Headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse transport: %w", err)
		}
		return client.NewClient(decorate(t), opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, tt)
	}
}

// httpClient builds the client the MCP transports use. No overall timeout:
// it would sever long-lived event streams. Request timeouts come from the
// transport options and per-call contexts.
func (f *Factory) httpClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: base}
}

func (f *Factory) newStdioTransport(cfg *launch.Config) (*mcptransport.Stdio, error) {
	if cfg.Cwd != "" {
		if strings.Contains(cfg.Cwd, "..") {
			return nil, fmt.Errorf("%w: cwd must not contain path traversal", ErrInvalidConfig)
		}
	}
	if strings.Contains(cfg.Command, "..") {
		return nil, fmt.Errorf("%w: command must not contain path traversal", ErrInvalidConfig)
	}

	cwd := cfg.Cwd
	return mcptransport.NewStdioWithOptions(
		cfg.Command,
		childEnv(cfg.Env),
		cfg.Args,
		mcptransport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = env
			cmd.Dir = cwd
			return cmd, nil
		}),
	), nil
}

// childEnv builds the environment for a stdio child: a small inherited
// baseline plus the launch config's entries, config winning on conflict.
func childEnv(extra map[string]string) []string {
	var env []string
	for _, key := range inheritedEnv {
		if _, override := extra[key]; override {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
