// ABOUTME: Entry point for the parley conversation server
// ABOUTME: Routes user turns to external agent services and tracks async jobs

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/2389/parley/internal/adapter"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/catalog"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/gateway"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/poller"
	"github.com/2389/parley/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

// getConfigPath returns the path to the parley config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/parley.yaml > ~/.config/parley/parley.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "parley.yaml")
}

func main() {
	// A local .env is optional; missing files are fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: parley <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the conversation server")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("DB:      %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting parley",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := seedCatalog(ctx, cfg, st, logger); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Services.RequestTimeout}
	registry := adapter.NewRegistry(
		adapter.NewTranslate(cfg.Services.TranslateURL, httpClient, logger),
		adapter.NewSpellcheck(cfg.Services.SpellcheckURL, httpClient, logger),
		adapter.NewReport(cfg.Services.ReportURL, httpClient, logger),
		adapter.NewDocChat(cfg.Services.DocChatURL, httpClient, st, logger),
		adapter.NewOCR(cfg.Services.OCRURL, httpClient, logger),
		adapter.NewSTT(cfg.Services.STTSubmitURL, httpClient, logger),
	)

	var uploader *adapter.DocUploader
	if cfg.Services.DocUploadURL != "" {
		uploader = adapter.NewDocUploader(cfg.Services.DocUploadURL, httpClient, logger)
	}

	statusClient := poller.NewHTTPStatusClient(cfg.Services.STTResultURL, httpClient)
	tracker := poller.NewTracker(
		poller.New(statusClient, cfg.Polling.Interval, cfg.Polling.MaxAttempts, logger),
		logger,
	)

	broadcaster := conversation.NewBroadcaster(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	service := conversation.New(st, registry, tracker, broadcaster, m, logger)

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw := gateway.New(cfg, st, service, tracker, broadcaster, verifier, uploader, m, logger)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(gw.Start)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// seedCatalog loads the configured catalog file, or the built-in one when no
// path is set, and seeds the agents table if it is empty.
func seedCatalog(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) error {
	f := catalog.Default()
	if cfg.Catalog.Path != "" {
		loaded, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
		f = loaded
	}
	if err := catalog.Seed(ctx, st, f, logger); err != nil {
		return fmt.Errorf("seeding catalog: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler writes human-readable colorized log lines. Group names become
// dotted key prefixes, so {"http": {"addr": ...}} prints as http.addr=...
type colorHandler struct {
	mu     sync.Mutex
	out    io.Writer
	level  slog.Level
	prefix string
	attrs  []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

var levelTags = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("debug"),
	slog.LevelInfo:  color.CyanString(" info"),
	slog.LevelWarn:  color.YellowString(" warn"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("error"),
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format(time.TimeOnly)))
	buf.WriteByte(' ')

	tag, ok := levelTags[r.Level]
	if !ok {
		tag = r.Level.String()
	}
	buf.WriteString(tag)
	buf.WriteByte(' ')
	buf.WriteString(r.Message)

	// Attrs bound via WithAttrs carry their group prefix already; attrs on
	// the record itself get the current prefix here.
	for _, a := range h.attrs {
		writeAttr(&buf, a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix+a.Key, a.Value)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, key string, val slog.Value) {
	buf.WriteString(color.HiBlackString(" " + key + "="))
	buf.WriteString(val.String())
}

func (h *colorHandler) clone() *colorHandler {
	return &colorHandler{
		out:    h.out,
		level:  h.level,
		prefix: h.prefix,
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
