package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/npezzotti/go-codearena/internal/api"
	"github.com/npezzotti/go-codearena/internal/challenge"
	"github.com/npezzotti/go-codearena/internal/config"
	"github.com/npezzotti/go-codearena/internal/database"
	"github.com/npezzotti/go-codearena/internal/sandbox"
	"github.com/npezzotti/go-codearena/internal/server"
	"github.com/npezzotti/go-codearena/internal/stats"
)

var (
	addr       = flag.String("addr", "localhost:8000", "server address")
	dsn        = flag.String("dsn", "host=localhost user=postgres password=postgres dbname=codearena sslmode=disable", "content store DSN")
	sandboxURL = flag.String("sandbox-url", "http://localhost:9000", "execution sandbox base URL")
	origins    = flag.String("allowed-origins", "http://localhost:8000", "comma-separated list of allowed origins")
	creds      = flag.String("credentials", "", "comma-separated display_name:bcrypt_hash pairs for the login endpoint")
)

func parseCredentials(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}

	credentials := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		name, hash, ok := strings.Cut(pair, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("malformed credential pair %q", pair)
		}
		credentials[name] = hash
	}

	return credentials, nil
}

func main() {
	logger := log.New(os.Stderr, "[codearena] ", log.LstdFlags)
	flag.Parse()

	credentials, err := parseCredentials(*creds)
	if err != nil {
		logger.Fatalln("credentials:", err)
	}

	cfg, err := config.NewConfig(*addr, *dsn, *sandboxURL,
		os.Getenv("CODEARENA_SIGNING_SECRET"), credentials, strings.Split(*origins, ","))
	if err != nil {
		logger.Fatalln("config:", err)
	}

	store, err := database.NewPgContentStore(cfg.ContentStoreDSN)
	if err != nil {
		logger.Fatalln("content store:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Println("content store close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux, logger)
	go statsUpdater.Run()

	selector := challenge.NewSelector(store, logger)
	runner := sandbox.NewDispatcher(cfg.SandboxURL, cfg.RunTimeout, logger)

	arenaServer, err := server.NewArenaServer(logger, selector, runner, statsUpdater, cfg)
	if err != nil {
		logger.Fatalln("arena server:", err)
	}
	go arenaServer.Run()

	app := api.NewCodeArenaApp(mux, logger, arenaServer, selector, store, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Println("http shutdown:", err)
	}

	if err := arenaServer.Shutdown(shutdownCtx); err != nil {
		logger.Println("arena shutdown:", err)
	}

	statsUpdater.Stop()
	logger.Println("shutdown complete")
}
