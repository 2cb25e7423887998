package commands

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/acplink/acplink/internal/config"
	"github.com/acplink/acplink/internal/conversation"
	"github.com/acplink/acplink/internal/event"
	"github.com/acplink/acplink/internal/grant"
	"github.com/acplink/acplink/internal/logging"
	"github.com/acplink/acplink/internal/permission"
	"github.com/acplink/acplink/internal/server"
	"github.com/acplink/acplink/internal/session"
	"github.com/acplink/acplink/internal/storage"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long: `Start the coordinator: it launches agent processes on demand,
exposes the HTTP API for UI surfaces, and streams events over SSE.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Project directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	log.Printf("Starting acplink v%s", Version)
	log.Printf("Project directory: %s", workDir)

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = paths.Data
	}

	store := storage.New(filepath.Join(dataDir, "storage"))
	conv := conversation.NewLog(store)

	grants, err := grant.NewStore(filepath.Join(dataDir, "grants.db"))
	if err != nil {
		return err
	}
	defer grants.Close()

	bus := event.NewBus()
	defer bus.Close()

	icpt := permission.NewInterceptor(grants, bus, workDir)
	sessions := session.NewManager(cfg, conv, icpt, bus, workDir)
	defer sessions.StopAll()

	// React to config file edits while running.
	watcher, err := config.NewWatcher(workDir, func(next *config.Config) {
		sessions.SetConfig(next)
		logging.SetLevel(logging.ParseLevel(next.LogLevel))
	})
	if err != nil {
		log.Printf("Warning: config watcher unavailable: %v", err)
	}
	if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.HTTP.Port
	serverConfig.Hostname = cfg.HTTP.Hostname
	serverConfig.EnableCORS = cfg.HTTP.EnableCORS
	serverConfig.Directory = workDir
	if servePort != 0 {
		serverConfig.Port = servePort
	}
	if serveHostname != "" {
		serverConfig.Hostname = serveHostname
	}

	srv := server.New(serverConfig, sessions, grants, icpt, bus)

	go func() {
		log.Printf("Listening on http://%s:%d", serverConfig.Hostname, serverConfig.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Stopped")
	return nil
}
