package config

import (
	"fmt"
	"time"

	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/protocol"
)

const (
	defaultSendQueueSize = 256
)

type Config struct {
	// ServerAddr is the TCP address chat clients connect to.
	ServerAddr string
	// HTTPAddr serves health, room listings, metrics and the WebSocket
	// transport.
	HTTPAddr       string
	Store          string
	DatabaseDSN    string
	AllowedOrigins []string

	TLSCertFile string
	TLSKeyFile  string

	MaxFrameSize  int
	SendQueueSize int
	IdleTimeout   time.Duration
}

func NewConfig(serverAddr, httpAddr, store, databaseDSN string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if httpAddr == "" {
		return nil, fmt.Errorf("http address cannot be empty")
	}

	switch store {
	case database.StoreMemory:
	case database.StorePostgres, database.StoreSQLite:
		if databaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty for %s store", store)
		}
	default:
		return nil, fmt.Errorf("unknown user store %q", store)
	}

	return &Config{
		ServerAddr:     serverAddr,
		HTTPAddr:       httpAddr,
		Store:          store,
		DatabaseDSN:    databaseDSN,
		AllowedOrigins: allowedOrigins,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		SendQueueSize:  defaultSendQueueSize,
	}, nil
}

// SetTLS enables TLS on the chat listener. Both files are required, or
// neither to leave it disabled.
func (c *Config) SetTLS(certFile, keyFile string) error {
	if (certFile == "") != (keyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}

	c.TLSCertFile = certFile
	c.TLSKeyFile = keyFile
	return nil
}

func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
