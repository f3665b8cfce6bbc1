package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("test-signing-key"))

	tt := []struct {
		name    string
		addr    string
		dsn     string
		sandbox string
		secret  string
		wantErr string
	}{
		{
			name:    "valid",
			addr:    "localhost:8000",
			dsn:     "host=localhost dbname=codearena",
			sandbox: "http://localhost:9000",
			secret:  secret,
		},
		{
			name:    "missing addr",
			dsn:     "host=localhost dbname=codearena",
			sandbox: "http://localhost:9000",
			secret:  secret,
			wantErr: "server address cannot be empty",
		},
		{
			name:    "missing dsn",
			addr:    "localhost:8000",
			sandbox: "http://localhost:9000",
			secret:  secret,
			wantErr: "content store DSN cannot be empty",
		},
		{
			name:    "missing sandbox url",
			addr:    "localhost:8000",
			dsn:     "host=localhost dbname=codearena",
			secret:  secret,
			wantErr: "sandbox URL cannot be empty",
		},
		{
			name:    "missing secret",
			addr:    "localhost:8000",
			dsn:     "host=localhost dbname=codearena",
			sandbox: "http://localhost:9000",
			wantErr: "signing secret cannot be empty",
		},
		{
			name:    "invalid base64 secret",
			addr:    "localhost:8000",
			dsn:     "host=localhost dbname=codearena",
			sandbox: "http://localhost:9000",
			secret:  "not-base64!!!",
			wantErr: "decode signing secret",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.addr, tc.dsn, tc.sandbox, tc.secret, nil, nil)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				assert.Nil(t, cfg)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tc.addr, cfg.ServerAddr)
			assert.Equal(t, []byte("test-signing-key"), cfg.SigningKey)
			assert.Equal(t, DefaultRunTimeout, cfg.RunTimeout)
			assert.Equal(t, DefaultRoomGracePeriod, cfg.RoomGracePeriod)
			assert.Equal(t, DefaultIdleRoomTimeout, cfg.IdleRoomTimeout)
		})
	}
}
