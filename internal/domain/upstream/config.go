// Package upstream holds the immutable descriptor of one downstream MCP
// server and the fingerprint that keys the session pool.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// TransportKind identifies how the gateway reaches a downstream MCP server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable_http"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

const nameMaxLength = 100

// Fingerprint is a deterministic hash of a ServerConfig's behavior-affecting
// fields; it is the Session Pool's key, so two configs that behave
// identically must hash identically regardless of field ordering.
type Fingerprint uint64

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Config is the immutable descriptor of how to launch or reach one
// downstream MCP server. It never changes once constructed; a config edit
// in the control plane produces a new Config with a new (or identical)
// Fingerprint.
type Config struct {
	ID        string
	Name      string
	Transport TransportKind

	// stdio only.
	Command string
	Args    []string
	Env     map[string]string

	// sse / streamable_http only.
	URL         string
	BearerToken string

	Description string
}

// Validate reports whether the config is well-formed for its transport
// kind. It does not check reachability.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio servers")
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s servers", c.Transport)
		}
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid absolute URL")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport)
	}
	return nil
}

// Fingerprint hashes every field that affects process/connection behavior.
// The env map is hashed by sorted key/value pairs so field ordering never
// affects the result, and two configs that would spawn or dial identically
// always land in the same pool bucket.
func (c *Config) Fingerprint() Fingerprint {
	h := xxhash.New()
	writeField(h, string(c.Transport))
	switch c.Transport {
	case TransportStdio:
		writeField(h, c.Command)
		for _, a := range c.Args {
			writeField(h, a)
		}
		writeField(h, "--env--")
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(h, k)
			writeField(h, c.Env[k])
		}
	case TransportSSE, TransportStreamableHTTP:
		writeField(h, c.URL)
		writeField(h, c.BearerToken)
	}
	return Fingerprint(h.Sum64())
}

func writeField(h *xxhash.Digest, s string) {
	_, _ = h.WriteString(s)
	_, _ = h.Write([]byte{0})
}
