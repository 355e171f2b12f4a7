package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ceyewan/mcp-authgate/internal/broker"
	"github.com/ceyewan/mcp-authgate/internal/config"
	"github.com/ceyewan/mcp-authgate/internal/httpapi"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests
const shutdownTimeout = 5 * time.Second

var (
	version string

	listenAddr         string
	publicURL          string
	allowedOrigins     []string
	sessionTTL         time.Duration
	clientName         string
	clientID           string
	clientSecret       string
	scopes             []string
	discoveryAttempts  int
	discoveryBaseDelay time.Duration
	verbose            bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-authgate",
	Short: "OAuth broker for MCP servers",
	Long: `mcp-authgate is an OAuth 2.1 broker for MCP (Model Context Protocol) servers.

It lets a frontend connect to OAuth-protected MCP servers without handling
any credentials itself: the frontend submits a target MCP URL, the broker
discovers the authorization server, registers a client if needed, and
returns an authorization URL for the user's browser. After the user
authorizes, the broker exchanges the code (with PKCE), connects to the MCP
server, and lists its tools.

The frontend polls the session status until the flow reaches a terminal
state. Access tokens never leave the broker.`,
	RunE: runBroker,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	defaults := config.Default()

	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", defaults.ListenAddr, "Address for the HTTP server to bind to")
	rootCmd.Flags().StringVar(&publicURL, "public-url", defaults.PublicURL, "Externally reachable base URL (the OAuth callback is served under it)")
	rootCmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", defaults.AllowedOrigins, "CORS origins allowed to call the API")
	rootCmd.Flags().DurationVar(&sessionTTL, "session-ttl", defaults.SessionTTL, "How long an authorization session stays valid")
	rootCmd.Flags().StringVar(&clientName, "client-name", defaults.ClientName, "Client name presented during Dynamic Client Registration")
	rootCmd.Flags().StringVar(&clientID, "client-id", defaults.ClientID, "OAuth client ID (optional - will use Dynamic Client Registration if not provided)")
	rootCmd.Flags().StringVar(&clientSecret, "client-secret", defaults.ClientSecret, "OAuth client secret (optional)")
	rootCmd.Flags().StringSliceVar(&scopes, "scopes", defaults.Scopes, "OAuth scopes to request")
	rootCmd.Flags().IntVar(&discoveryAttempts, "discovery-attempts", defaults.DiscoveryAttempts, "Maximum tool listing attempts per session")
	rootCmd.Flags().DurationVar(&discoveryBaseDelay, "discovery-base-delay", defaults.DiscoveryBaseDelay, "Delay before the first tool listing retry (doubles per attempt)")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func buildConfig(cmd *cobra.Command, logger zerolog.Logger) (*config.Config, error) {
	if clientSecret != "" && cmd.Flags().Changed("client-secret") {
		logger.Warn().Msg("client secret passed via CLI flag is visible in process listings")
	}

	cfg := &config.Config{
		ListenAddr:         listenAddr,
		PublicURL:          publicURL,
		AllowedOrigins:     allowedOrigins,
		SessionTTL:         sessionTTL,
		ClientName:         clientName,
		ClientID:           clientID,
		ClientSecret:       clientSecret,
		Scopes:             scopes,
		DiscoveryAttempts:  discoveryAttempts,
		DiscoveryBaseDelay: discoveryBaseDelay,
		Verbose:            verbose,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func setupSignalHandler(cancel context.CancelFunc, logger zerolog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("received interrupt signal, shutting down gracefully")
		cancel()
	}()
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := buildConfig(cmd, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	setupSignalHandler(cancel, logger)

	store := broker.NewMemoryStore(logger)
	defer store.Stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	initCfg := broker.InitiatorConfig{
		RedirectURL:  cfg.RedirectURL(),
		ClientName:   cfg.ClientName,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		SessionTTL:   cfg.SessionTTL,
	}

	initiator := broker.NewInitiator(store, httpClient, initCfg, logger)
	discoverer := broker.NewDiscoverer(store, nil, cfg.DiscoveryAttempts, cfg.DiscoveryBaseDelay, logger)
	callback := broker.NewCallbackService(store, httpClient, discoverer, initCfg, logger)
	status := broker.NewStatusService(store)

	handler := httpapi.NewHandler(initiator, callback, status, logger)
	router := httpapi.NewRouter(handler, cfg.AllowedOrigins, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("public_url", cfg.PublicURL).
			Str("version", version).
			Msg("broker listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info().Msg("broker stopped")
	return nil
}
