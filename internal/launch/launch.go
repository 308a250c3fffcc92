// Package launch models the decrypted launch configuration of a downstream
// server: how to start or reach it, and the credential material its auth
// strategy consumes. The encrypted form of this document is what the store
// persists; decryption happens in the supervisor just before connecting.
package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransportType selects the wire transport used to reach a server.
type TransportType string

const (
	// TransportAuto lets the factory infer the transport from the config
	// shape: a command means stdio, a url means streamable HTTP.
	TransportAuto           TransportType = ""
	TransportStdio          TransportType = "stdio"
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportSSE            TransportType = "sse"
)

// Config is the decrypted launch configuration document.
type Config struct {
	// Transport forces a transport. Empty means infer from the config.
	Transport TransportType `json:"transport,omitempty"`

	// Command and friends describe a stdio server launched as a child
	// process.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// URL and Headers describe a remote server.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Auth carries the credential material for the server's auth strategy.
	Auth *AuthConfig `json:"auth,omitempty"`
}

// AuthConfig holds credential material. Which fields are meaningful depends
// on the server's authType.
type AuthConfig struct {
	// APIKey is a static bearer credential.
	APIKey string `json:"apiKey,omitempty"`
	// Header overrides the header the API key is sent in. Defaults to
	// Authorization with a Bearer prefix.
	Header string `json:"header,omitempty"`

	// OAuth client credentials and current token state.
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	TokenURL     string    `json:"tokenUrl,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Decode parses a decrypted launch configuration document.
func Decode(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, errors.New("launch config is empty")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid launch config: %w", err)
	}
	return &cfg, nil
}

// Encode serializes the config for encryption.
func (c *Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Validate checks that the config names exactly one way to reach the server.
func (c *Config) Validate() error {
	switch {
	case c.Command != "" && c.URL != "":
		return errors.New("launch config must not set both command and url")
	case c.Command == "" && c.URL == "":
		return errors.New("launch config must set command or url")
	}
	return nil
}
