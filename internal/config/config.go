package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values
const (
	DefaultServerURL          = "wss://localhost:8443/ws"
	DefaultNegotiationTimeout = 30 * time.Second

	DefaultListenAddr = ":8443"
)

// DefaultSTUNServers is the ordered STUN list handed to every peer connection.
var DefaultSTUNServers = []string{
	"stun:stun.stunprotocol.org:3478",
	"stun:stun.l.google.com:19302",
}

// Config holds peer (client) configuration
type Config struct {
	// ServerURL is the relay's websocket endpoint.
	ServerURL string

	// STUNServers is the ordered list of STUN URLs. No TURN, no credentials.
	STUNServers []string

	// NegotiationTimeout bounds the time from role assignment to Connected.
	// Zero waits forever.
	NegotiationTimeout time.Duration

	// InsecureTLS skips certificate verification for self-signed relays.
	InsecureTLS bool
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	ServerURL          string
	STUNServers        []string
	NegotiationTimeout time.Duration
	InsecureTLS        bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	// Load server URL: CLI flag > env > default
	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = os.Getenv("SERVER_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be ws or wss", serverURL)
	}

	// Load STUN servers: CLI flag > env > default
	stunServers := opts.STUNServers
	if len(stunServers) == 0 {
		stunServers = splitList(os.Getenv("STUN_SERVERS"))
	}
	if len(stunServers) == 0 {
		stunServers = append([]string(nil), DefaultSTUNServers...)
	}
	for _, s := range stunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return nil, fmt.Errorf("invalid STUN server %q: must start with stun: or stuns:", s)
		}
	}

	// Load negotiation timeout: CLI flag > env > default
	timeout := opts.NegotiationTimeout
	if timeout == 0 {
		if raw := os.Getenv("NEGOTIATION_TIMEOUT"); raw != "" {
			timeout, err = time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid NEGOTIATION_TIMEOUT: %w", err)
			}
		} else {
			timeout = DefaultNegotiationTimeout
		}
	}
	if timeout < 0 {
		timeout = 0
	}

	insecure := opts.InsecureTLS
	if !insecure {
		insecure, _ = strconv.ParseBool(os.Getenv("INSECURE_TLS"))
	}

	return &Config{
		ServerURL:          serverURL,
		STUNServers:        stunServers,
		NegotiationTimeout: timeout,
		InsecureTLS:        insecure,
	}, nil
}

// ServerConfig holds relay configuration
type ServerConfig struct {
	ListenAddr string

	// TLSCertFile and TLSKeyFile switch the relay to HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// AllowedOrigins for CORS on the HTTP endpoints. "*" allows all.
	AllowedOrigins []string
}

// ServerOptions carries relay flag overrides.
type ServerOptions struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string
}

// LoadServer reads relay configuration with the same priority as Load.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:     firstNonEmpty(opts.ListenAddr, os.Getenv("LISTEN_ADDR"), DefaultListenAddr),
		TLSCertFile:    firstNonEmpty(opts.TLSCertFile, os.Getenv("TLS_CERT_FILE")),
		TLSKeyFile:     firstNonEmpty(opts.TLSKeyFile, os.Getenv("TLS_KEY_FILE")),
		AllowedOrigins: opts.AllowedOrigins,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS requires both a certificate and a key file")
	}
	return cfg, nil
}

// TLSEnabled reports whether the relay should serve HTTPS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
