// SPDX-License-Identifier: AGPL-3.0-only

// Package config holds the plain option records tcpmsg endpoints are
// built from (Design Note "No inheritance": one flat struct, no settings
// class hierarchy) plus a TOML loader for them.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/awnumar/memguard"
)

// TLSSettings controls the optional TLS layer over a connection.
type TLSSettings struct {
	Enabled                   bool
	CertFile                  string
	KeyFile                   string
	Passphrase                string
	MinVersion                uint16 // tls.VersionTLS12 or tls.VersionTLS13
	AcceptInvalidCertificates bool
	MutuallyAuthenticate      bool
	ClientCAFile              string // required when MutuallyAuthenticate is set
}

// KeepaliveSettings is the TCP keepalive triad named in spec §6.
type KeepaliveSettings struct {
	Enabled    bool
	Time       time.Duration
	Interval   time.Duration
	RetryCount int
}

// Settings is the flat option record copied into every Session (per
// spec §3, "per-session copy of the settings snapshot"). Server- and
// client-only fields are both present; each endpoint reads only the
// ones that apply to it.
type Settings struct {
	StreamBufferSize     int           // default 65536
	MaxProxiedStreamSize int64         // default 64 MiB
	ConnectTimeout       time.Duration // default 5s (client)
	LocalPort            int           // client; 0 = ephemeral

	IdleClientTimeout time.Duration // server-side idle watchdog threshold
	IdleServerTimeout time.Duration // client-side idle watchdog threshold
	IdleEvalInterval  time.Duration // default 1s

	MaxConnections int      // default 4096 (server)
	PermittedIPs   []string // server; empty = allow all

	DebugMessages bool

	TLS       TLSSettings
	Keepalive KeepaliveSettings

	// presharedKey is set via WithPresharedKey/WithPresharedKeyHex so it
	// can be mlocked instead of living as a plain byte slice on the
	// struct copied around by value.
	presharedKey *memguard.LockedBuffer
}

// Defaults returns a Settings populated with spec §6's documented
// defaults.
func Defaults() Settings {
	return Settings{
		StreamBufferSize:     65536,
		MaxProxiedStreamSize: 64 * 1024 * 1024,
		ConnectTimeout:       5 * time.Second,
		IdleEvalInterval:     1 * time.Second,
		MaxConnections:       4096,
	}
}

// WithPresharedKey locks s.presharedKey to a copy of key's bytes. key
// must be exactly 16 bytes. The caller's slice is not retained.
func (s *Settings) WithPresharedKey(key []byte) error {
	if len(key) != 16 {
		return fmt.Errorf("config: PresharedKey must be 16 bytes, got %d", len(key))
	}
	if s.presharedKey != nil {
		s.presharedKey.Destroy()
	}
	s.presharedKey = memguard.NewBufferFromBytes(append([]byte(nil), key...))
	return nil
}

// PresharedKey returns the configured PSK bytes, or nil if none is
// configured. The returned slice aliases locked memory and must not be
// retained past the call.
func (s *Settings) PresharedKey() []byte {
	if s.presharedKey == nil || s.presharedKey.IsDestroyed() {
		return nil
	}
	return s.presharedKey.Bytes()
}

// HasPresharedKey reports whether a PSK has been configured.
func (s *Settings) HasPresharedKey() bool {
	return s.presharedKey != nil && !s.presharedKey.IsDestroyed()
}

// Destroy zeroes and releases the locked PSK buffer, if any. Endpoints
// call this on Close/Stop.
func (s *Settings) Destroy() {
	if s.presharedKey != nil {
		s.presharedKey.Destroy()
		s.presharedKey = nil
	}
}

// fileSettings mirrors the subset of Settings that can be expressed in a
// TOML config file; the PSK, being secret, is supplied separately via
// WithPresharedKey rather than embedded in a config file on disk.
type fileSettings struct {
	StreamBufferSize     int      `toml:"stream_buffer_size"`
	MaxProxiedStreamSize int64    `toml:"max_proxied_stream_size"`
	ConnectTimeoutMs     int64    `toml:"connect_timeout_ms"`
	LocalPort            int      `toml:"local_port"`
	IdleClientTimeoutMs  int64    `toml:"idle_client_timeout_ms"`
	IdleServerTimeoutMs  int64    `toml:"idle_server_timeout_ms"`
	IdleEvalIntervalMs   int64    `toml:"idle_eval_interval_ms"`
	MaxConnections       int      `toml:"max_connections"`
	PermittedIPs         []string `toml:"permitted_ips"`
	DebugMessages        bool     `toml:"debug_messages"`

	TLSEnabled          bool   `toml:"tls_enabled"`
	TLSCertFile         string `toml:"tls_cert_file"`
	TLSKeyFile          string `toml:"tls_key_file"`
	TLSAcceptInvalid    bool   `toml:"tls_accept_invalid_certificates"`
	TLSMutualAuth       bool   `toml:"tls_mutually_authenticate"`
	TLSClientCAFile     string `toml:"tls_client_ca_file"`

	KeepaliveEnabled    bool  `toml:"keepalive_enabled"`
	KeepaliveTimeMs     int64 `toml:"keepalive_time_ms"`
	KeepaliveIntervalMs int64 `toml:"keepalive_interval_ms"`
	KeepaliveRetryCount int   `toml:"keepalive_retry_count"`
}

// LoadFile reads a TOML settings file over top of Defaults(). Fields
// absent from the file keep their default; fields present in the file
// replace it, zero included. Validate then rejects the zero values its
// checks cover (stream_buffer_size, connect_timeout_ms,
// max_connections, e.g. max_connections = 0 per spec §6
// "MaxConnections (>0, default 4096)"); other fields present but zero
// are kept as zero.
func LoadFile(path string) (Settings, error) {
	s := Defaults()

	var fs fileSettings
	meta, err := toml.DecodeFile(path, &fs)
	if err != nil {
		return Settings{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if meta.IsDefined("stream_buffer_size") {
		s.StreamBufferSize = fs.StreamBufferSize
	}
	if meta.IsDefined("max_proxied_stream_size") {
		s.MaxProxiedStreamSize = fs.MaxProxiedStreamSize
	}
	if meta.IsDefined("connect_timeout_ms") {
		s.ConnectTimeout = time.Duration(fs.ConnectTimeoutMs) * time.Millisecond
	}
	if meta.IsDefined("local_port") {
		s.LocalPort = fs.LocalPort
	}
	if meta.IsDefined("idle_client_timeout_ms") {
		s.IdleClientTimeout = time.Duration(fs.IdleClientTimeoutMs) * time.Millisecond
	}
	if meta.IsDefined("idle_server_timeout_ms") {
		s.IdleServerTimeout = time.Duration(fs.IdleServerTimeoutMs) * time.Millisecond
	}
	if meta.IsDefined("idle_eval_interval_ms") {
		s.IdleEvalInterval = time.Duration(fs.IdleEvalIntervalMs) * time.Millisecond
	}
	if meta.IsDefined("max_connections") {
		s.MaxConnections = fs.MaxConnections
	}
	if meta.IsDefined("permitted_ips") {
		s.PermittedIPs = fs.PermittedIPs
	}
	if meta.IsDefined("debug_messages") {
		s.DebugMessages = fs.DebugMessages
	}
	if meta.IsDefined("tls_enabled") {
		s.TLS.Enabled = fs.TLSEnabled
	}
	if meta.IsDefined("tls_cert_file") {
		s.TLS.CertFile = fs.TLSCertFile
	}
	if meta.IsDefined("tls_key_file") {
		s.TLS.KeyFile = fs.TLSKeyFile
	}
	if meta.IsDefined("tls_accept_invalid_certificates") {
		s.TLS.AcceptInvalidCertificates = fs.TLSAcceptInvalid
	}
	if meta.IsDefined("tls_mutually_authenticate") {
		s.TLS.MutuallyAuthenticate = fs.TLSMutualAuth
	}
	if meta.IsDefined("tls_client_ca_file") {
		s.TLS.ClientCAFile = fs.TLSClientCAFile
	}
	if meta.IsDefined("keepalive_enabled") {
		s.Keepalive.Enabled = fs.KeepaliveEnabled
	}
	if meta.IsDefined("keepalive_time_ms") {
		s.Keepalive.Time = time.Duration(fs.KeepaliveTimeMs) * time.Millisecond
	}
	if meta.IsDefined("keepalive_interval_ms") {
		s.Keepalive.Interval = time.Duration(fs.KeepaliveIntervalMs) * time.Millisecond
	}
	if meta.IsDefined("keepalive_retry_count") {
		s.Keepalive.RetryCount = fs.KeepaliveRetryCount
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the invariants spec §6 documents for each option.
func (s *Settings) Validate() error {
	if s.StreamBufferSize <= 0 {
		return fmt.Errorf("config: StreamBufferSize must be > 0")
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("config: ConnectTimeoutSeconds must be > 0")
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("config: MaxConnections must be > 0")
	}
	if s.IdleClientTimeout < 0 || s.IdleServerTimeout < 0 {
		return fmt.Errorf("config: idle timeouts must be >= 0")
	}
	if s.TLS.MutuallyAuthenticate && !s.TLS.Enabled {
		return fmt.Errorf("config: MutuallyAuthenticate requires TLS to be enabled")
	}
	return nil
}

// Clone returns a copy of s suitable for handing to a new Session; the
// locked PSK buffer is shared (it is read-only and endpoint-scoped, not
// duplicated per connection).
func (s Settings) Clone() Settings {
	return s
}
