package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultRunTimeout      = 10 * time.Second
	DefaultRoomGracePeriod = 30 * time.Second
	DefaultIdleRoomTimeout = 30 * time.Minute
)

type Config struct {
	ServerAddr      string
	ContentStoreDSN string
	SandboxURL      string
	SigningKey      []byte
	// Credentials maps a display name to its bcrypt password hash for
	// the standalone login endpoint. Empty means no login is possible
	// and sessions must come from an externally issued cookie.
	Credentials    map[string]string
	AllowedOrigins []string
	// RunTimeout bounds a sandbox call when the challenge has no time limit.
	RunTimeout time.Duration
	// RoomGracePeriod is how long an empty room survives before teardown,
	// tolerating reconnect-on-refresh.
	RoomGracePeriod time.Duration
	// IdleRoomTimeout is how long a room may go without activity before
	// the periodic sweep reaps it.
	IdleRoomTimeout time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, contentStoreDSN, sandboxURL, base64Secret string, credentials map[string]string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if contentStoreDSN == "" {
		return nil, fmt.Errorf("content store DSN cannot be empty")
	}
	if sandboxURL == "" {
		return nil, fmt.Errorf("sandbox URL cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:      serverAddr,
		ContentStoreDSN: contentStoreDSN,
		SandboxURL:      sandboxURL,
		SigningKey:      signingKey,
		Credentials:     credentials,
		AllowedOrigins:  allowedOrigins,
		RunTimeout:      DefaultRunTimeout,
		RoomGracePeriod: DefaultRoomGracePeriod,
		IdleRoomTimeout: DefaultIdleRoomTimeout,
	}, nil
}
