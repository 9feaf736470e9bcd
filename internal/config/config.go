package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server   Server   `json:"server"`
	Auth     Auth     `json:"auth"`
	Capture  Capture  `json:"capture"`
	Playback Playback `json:"playback"`
	Status   Status   `json:"status"`
	Debug    Debug    `json:"debug"`
}

type Server struct {
	// BaseURL is the REST API root, e.g. "http://localhost:8080".
	BaseURL string `json:"base_url"`
	// UplinkWSURL is the DJ audio ingest websocket endpoint.
	UplinkWSURL string `json:"uplink_ws_url"`
	// StatusWSURL is the live status websocket endpoint.
	StatusWSURL string `json:"status_ws_url"`
	// StreamURL is the listener-facing audio stream.
	StreamURL string `json:"stream_url"`
	// ProbeAddr is the host:port the network monitor dials to decide
	// whether the machine is online. Empty derives it from BaseURL.
	ProbeAddr string `json:"probe_addr"`
}

type Auth struct {
	// Token is a bearer token pasted straight into the config.
	Token string `json:"token"`
	// TokenFile, when set, is read at startup and overrides Token.
	TokenFile string `json:"token_file"`
}

type Capture struct {
	// Source: "microphone", "desktop" or "mixed".
	Source      string  `json:"source"`
	MicGain     float64 `json:"mic_gain"`
	DesktopGain float64 `json:"desktop_gain"`
}

type Playback struct {
	Volume          int `json:"volume"`
	StallTimeoutSec int `json:"stall_timeout_seconds"`
}

type Status struct {
	PollSec       int `json:"poll_seconds"`
	HiddenPollSec int `json:"hidden_poll_seconds"`
}

type Debug struct {
	// Addr serves /metrics when non-empty, e.g. "127.0.0.1:6060".
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Server: Server{
			BaseURL:     "http://localhost:8080",
			UplinkWSURL: "ws://localhost:8080/ws/broadcast",
			StatusWSURL: "ws://localhost:8080/ws/status",
			StreamURL:   "http://localhost:8000/stream",
		},
		Capture: Capture{
			Source:      "microphone",
			MicGain:     1.0,
			DesktopGain: 0.8,
		},
		Playback: Playback{
			Volume:          80,
			StallTimeoutSec: 10,
		},
		Status: Status{
			PollSec:       60,
			HiddenPollSec: 120,
		},
	}
}

func (c *Config) Validate() error {
	if err := checkURL(c.Server.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if err := checkURL(c.Server.UplinkWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.uplink_ws_url: %w", err)
	}
	if err := checkURL(c.Server.StatusWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.status_ws_url: %w", err)
	}
	if err := checkURL(c.Server.StreamURL, "http", "https"); err != nil {
		return fmt.Errorf("server.stream_url: %w", err)
	}

	switch c.Capture.Source {
	case "microphone", "desktop", "mixed":
	default:
		return fmt.Errorf("capture.source must be microphone, desktop or mixed, got %q", c.Capture.Source)
	}
	if c.Capture.MicGain < 0 || c.Capture.MicGain > 2 {
		return errors.New("capture.mic_gain must be 0..2")
	}
	if c.Capture.DesktopGain < 0 || c.Capture.DesktopGain > 2 {
		return errors.New("capture.desktop_gain must be 0..2")
	}

	if c.Playback.Volume < 0 || c.Playback.Volume > 100 {
		return errors.New("playback.volume must be 0..100")
	}
	if c.Playback.StallTimeoutSec <= 0 {
		return errors.New("playback.stall_timeout_seconds must be > 0")
	}

	if c.Status.PollSec <= 0 {
		return errors.New("status.poll_seconds must be > 0")
	}
	if c.Status.HiddenPollSec < c.Status.PollSec {
		return errors.New("status.hidden_poll_seconds must be >= status.poll_seconds")
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// BearerToken resolves the auth token, preferring the token file.
func (c *Config) BearerToken() (string, error) {
	if c.Auth.TokenFile != "" {
		b, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return c.Auth.Token, nil
}

// NetProbeAddr returns the host:port the network monitor should dial.
func (c *Config) NetProbeAddr() string {
	if c.Server.ProbeAddr != "" {
		return c.Server.ProbeAddr
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
