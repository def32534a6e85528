package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-roomchat/internal/api"
	"github.com/npezzotti/go-roomchat/internal/config"
	"github.com/npezzotti/go-roomchat/internal/database"
	"github.com/npezzotti/go-roomchat/internal/server"
	"github.com/npezzotti/go-roomchat/internal/stats"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	httpAddr       string
	store          string
	dsn            string
	tlsCert        string
	tlsKey         string
	idleTimeout    time.Duration
	allowedOrigins stringSliceFlag
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := log.New(os.Stderr, "[roomchat] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	defaultAddr := net.JoinHostPort(envOr("HOST", "localhost"), envOr("PORT", "9000"))
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins.Set(origins)
	}

	flag.StringVar(&addr, "addr", defaultAddr, "chat server address")
	flag.StringVar(&httpAddr, "http-addr", envOr("HTTP_ADDR", "localhost:8000"), "HTTP server address")
	flag.StringVar(&store, "store", envOr("CHAT_STORE", database.StoreMemory), "user store: memory, postgres or sqlite")
	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_DSN"), "database connection string")
	flag.StringVar(&tlsCert, "tls-cert", os.Getenv("TLS_CERT"), "TLS certificate file for the chat listener")
	flag.StringVar(&tlsKey, "tls-key", os.Getenv("TLS_KEY"), "TLS key file for the chat listener")
	flag.DurationVar(&idleTimeout, "idle-timeout", 0, "close chat connections idle for this long (0 disables)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg, err := config.NewConfig(addr, httpAddr, store, dsn, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	if err := cfg.SetTLS(tlsCert, tlsKey); err != nil {
		logger.Fatal("config:", err)
	}
	cfg.IdleTimeout = idleTimeout

	users, err := database.Open(cfg.Store, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, users, statsUpdater, server.Options{
		MaxFrameSize:  cfg.MaxFrameSize,
		SendQueueSize: cfg.SendQueueSize,
		IdleTimeout:   cfg.IdleTimeout,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	ln, err := listen(cfg)
	if err != nil {
		logger.Fatal("listen:", err)
	}

	srv := api.NewRoomChatApp(mux, logger, chatServer, cfg)

	statsUpdater.Run()

	go func() {
		if err := chatServer.Serve(ln); err != nil {
			logger.Println("chat server:", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Println("HTTP server:", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			"chat": func(ctx context.Context) error {
				logger.Println("shutting down chat server...")
				if err := chatServer.Shutdown(ctx); err != nil {
					return err
				}
				statsUpdater.Stop()
				return users.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Printf("shutdown complete (exit code %d)", exitCode)
	os.Exit(exitCode)
}

// listen opens the chat listener, wrapped in TLS when configured.
func listen(cfg *config.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return nil, err
	}

	if !cfg.TLSEnabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}

	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}
