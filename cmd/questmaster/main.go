package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"questmaster/internal/config"
	"questmaster/internal/embedding"
	"questmaster/internal/gamectx"
	"questmaster/internal/gamemaster"
	"questmaster/internal/imagegen"
	"questmaster/internal/llm"
	"questmaster/internal/logging"
	"questmaster/internal/memory"
	"questmaster/internal/server"
	"questmaster/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "questmaster",
	Short: "questmaster - AI game master engine for text multiplayer RPGs",
	Long: `questmaster runs the AI game-master loop for text-based multiplayer RPG
sessions: it assembles hybrid conversation memory (recent turns plus
semantic retrieval), drives one inference call per player action,
keeps character state merged and persisted, and illustrates scenes
through an external image pipeline.

Run without arguments to start the server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// serveCmd runs the game server (same as the bare invocation)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the game-master server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// configCmd writes the default configuration to the given path
var configCmd = &cobra.Command{
	Use:   "config [path]",
	Short: "Write the default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "questmaster.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func runServer() error {
	// .env carries local overrides; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dataDir := cfg.Memory.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(cfg.Memory.DatabasePath)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := logging.Initialize(dataDir, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.CloseAll()
	logging.Boot("%s %s starting", cfg.Name, cfg.Version)

	// Storage and memory.
	convStore, err := store.NewConversationStore(cfg.Memory.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening conversation store: %w", err)
	}
	defer convStore.Close()

	embedder, err := embedding.NewOllamaEngine(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	if err != nil {
		return fmt.Errorf("creating embedding engine: %w", err)
	}
	convStore.SetEmbeddingEngine(embedder)

	assembler := memory.NewHybridAssembler(convStore, memory.Config{
		RecentLimit:  cfg.Memory.RecentLimit,
		RetrievalK:   cfg.Memory.RetrievalK,
		QueryTimeout: cfg.GetQueryTimeout(),
	})

	// Collaborators.
	llmClient := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.GetLLMTimeout(),
	})
	gameAPI := gamectx.NewClient(cfg.GameAPI.BaseURL, cfg.GetGameAPITimeout())

	// Engine.
	registry := gamemaster.NewRegistry(cfg.GetSessionTTL())
	orchestrator := gamemaster.NewOrchestrator(registry, llmClient, gameAPI, convStore, assembler, nil, gamemaster.Config{
		Temperature: cfg.LLM.Temperature,
		LLMTimeout:  cfg.GetLLMTimeout(),
	})

	// Transport.
	srv := server.New(orchestrator, logger, server.Config{
		Addr:        ":" + cfg.Server.Port,
		ImageDir:    cfg.Server.ImageDir,
		ServiceName: cfg.Name,
		Version:     cfg.Version,
	})

	// Image pipeline is optional: without an image server the engine
	// still plays, it just never illustrates.
	if cfg.Image.Enabled && cfg.Image.ServerURL != "" {
		comfy, err := imagegen.NewComfyClient(cfg.Image.ServerURL, cfg.Image.WorkflowPath)
		if err != nil {
			return fmt.Errorf("initializing image client: %w", err)
		}
		coordinator := imagegen.NewCoordinator(comfy, convStore, srv.ImageSink(), imagegen.Config{
			StorageDir:   cfg.Server.ImageDir,
			BaseURL:      cfg.Server.ImageBaseURL,
			PollInterval: cfg.GetPollInterval(),
			JobCeiling:   cfg.GetJobCeiling(),
		})
		orchestrator.SetImages(coordinator)
		logger.Info("image pipeline enabled", zap.String("server_url", cfg.Image.ServerURL))
	} else {
		logger.Info("image pipeline disabled")
	}

	// Idle-session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := registry.Sweep(); n > 0 {
					logger.Info("idle sessions evicted", zap.Int("count", n))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
