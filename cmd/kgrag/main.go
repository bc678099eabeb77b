package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xwysyy/KG-RAG/internal/agent"
	"github.com/xwysyy/KG-RAG/internal/config"
	"github.com/xwysyy/KG-RAG/internal/embedding"
	"github.com/xwysyy/KG-RAG/internal/ingest"
	"github.com/xwysyy/KG-RAG/internal/llm"
	"github.com/xwysyy/KG-RAG/internal/memory"
	"github.com/xwysyy/KG-RAG/internal/server"
	"github.com/xwysyy/KG-RAG/internal/store"
	"github.com/xwysyy/KG-RAG/internal/tools"
)

var (
	// Global flags
	configPath string
	verbose    bool
	userID     string

	logger *zap.Logger
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "kgrag",
	Short: "KG-RAG - knowledge-graph retrieval agent for algorithm Q&A",
	Long: `kgrag answers algorithm and data-structure questions by orchestrating
an LLM agent over a knowledge graph and a vector store.

Each question is decomposed into sub-tasks, executed by parallel ReAct
workers against the retrieval tools, and judged for sufficiency before
an answer is composed. User profiles accumulate in the graph as
conversations complete.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
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
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/SSE chat API",
	Long: `Starts the chat API server. Endpoints cover session management,
message history, and a streaming chat turn that emits server-sent
events while the agent works.`,
	RunE: runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat in the terminal",
	Long: `Starts a terminal chat loop against the local stores. Type quit to
exit. On exit the conversation is mined for user-profile updates.`,
	RunE: runChat,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a single question and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Ingest documents into the knowledge graph and vector store",
	Long: `Chunks each document, extracts entities and relations with the LLM,
merges duplicates, and upserts everything into the graph and vector
stores. Directories are walked for .md and .txt files.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var ingestDirCmd = &cobra.Command{
	Use:   "ingest-dir [dir]",
	Short: "Ingest every .md and .txt file under a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Recompute embeddings for all stored chunks",
	Long: `Re-embeds every chunk in the vector store with the currently
configured embedding model. Use after switching embedding providers.`,
	RunE: runReembed,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	chatCmd.Flags().StringVarP(&userID, "user", "u", "default", "User ID for profile reads and writes")
	askCmd.Flags().StringVarP(&userID, "user", "u", "default", "User ID for profile reads")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(ingestDirCmd)
	rootCmd.AddCommand(reembedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Wiring helpers
// ---------------------------------------------------------------------------

func openGraph(cfg config.Config) (*store.SQLiteGraphStore, error) {
	if err := ensureDir(cfg.Storage.GraphPath); err != nil {
		return nil, err
	}
	return store.NewSQLiteGraphStore(cfg.Storage.GraphPath)
}

func openVectors(ctx context.Context, cfg config.Config) (store.VectorStore, error) {
	switch cfg.Storage.VectorBackend {
	case "qdrant":
		return store.NewQdrantVectorStore(ctx, store.QdrantConfig{
			URL:        cfg.Storage.QdrantURL,
			APIKey:     cfg.Storage.QdrantAPIKey,
			Collection: cfg.Storage.QdrantCollection,
			Dims:       uint64(cfg.Embedding.Dimensions),
		}, logger)
	default:
		if err := ensureDir(cfg.Storage.VectorPath); err != nil {
			return nil, err
		}
		return store.NewSQLiteVectorStore(cfg.Storage.VectorPath, logger)
	}
}

func newEmbedder(cfg config.Config) (embedding.Engine, error) {
	return embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
}

func newClients(cfg config.Config) (base, reasoning *llm.OpenAIClient) {
	base = llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	reasoning = llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.ReasoningLLM.APIKey,
		BaseURL: cfg.ReasoningLLM.BaseURL,
		Model:   cfg.ReasoningLLM.Model,
		Timeout: cfg.ReasoningLLM.Timeout,
	})
	return base, reasoning
}

func newRegistry(cfg config.Config, embedder embedding.Engine, graph store.GraphStore, vectors store.VectorStore, client llm.Client) *tools.Registry {
	reg := tools.NewRegistry(cfg.Tools.InvokeTimeout, logger)
	reg.MustRegister(tools.NewVectorSearch(embedder, vectors, cfg.Tools.TopK, logger))
	reg.MustRegister(tools.NewGraphQuery(client, graph, cfg.Tools.GraphQueryLimit, logger))
	if cfg.Tools.SearchAPIKey != "" {
		reg.MustRegister(tools.NewWebSearch(tools.WebSearchConfig{
			APIKey:     cfg.Tools.SearchAPIKey,
			BaseURL:    cfg.Tools.SearchBaseURL,
			MaxResults: cfg.Tools.TopK,
			Timeout:    cfg.Tools.InvokeTimeout,
		}, logger))
	} else {
		logger.Warn("SEARCH_API_KEY not set, web search disabled")
	}
	return reg
}

func newController(cfg config.Config, base, reasoning *llm.OpenAIClient, reg *tools.Registry) *agent.Controller {
	planner := agent.NewPlanner(reasoning, cfg.Agent.PlanRetries, logger)
	worker := agent.NewWorker(base, reg, cfg.Agent.MaxSteps, logger)
	pool := agent.NewPool(worker, cfg.Agent.Concurrency, logger)
	return agent.NewController(planner, pool, cfg.Agent.MaxRounds, logger)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graph, err := openGraph(cfg)
	if err != nil {
		return err
	}
	defer graph.Close()

	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	base, reasoning := newClients(cfg)
	reg := newRegistry(cfg, embedder, graph, vectors, base)
	controller := newController(cfg, base, reasoning, reg)
	pipeline := memory.NewPipeline(base, graph, cfg.Memory.CommitThreshold, logger)

	if err := ensureDir(cfg.Storage.SessionPath); err != nil {
		return err
	}
	sessions, err := server.NewSessionStore(cfg.Storage.SessionPath)
	if err != nil {
		return err
	}
	defer sessions.Close()

	chat := server.NewChatService(server.ChatServiceDeps{
		Runner:   controller,
		Sessions: sessions,
		ReadProfile: func(ctx context.Context, userID string) (string, error) {
			return memory.ReadProfile(ctx, graph, userID)
		},
		WriteMemory:   pipeline.Run,
		HistoryRounds: cfg.Agent.HistoryRounds,
		Logger:        logger,
	})

	srv := server.New(server.Deps{
		Chat:     chat,
		Sessions: sessions,
		Logger:   logger,
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ---------------------------------------------------------------------------
// chat / ask
// ---------------------------------------------------------------------------

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graph, err := openGraph(cfg)
	if err != nil {
		return err
	}
	defer graph.Close()

	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	base, reasoning := newClients(cfg)
	reg := newRegistry(cfg, embedder, graph, vectors, base)
	controller := newController(cfg, base, reasoning, reg)
	pipeline := memory.NewPipeline(base, graph, cfg.Memory.CommitThreshold, logger)

	fmt.Println("kgrag chat (type quit to exit)")
	fmt.Println(strings.Repeat("-", 40))

	var conversation []string
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		switch strings.ToLower(question) {
		case "quit", "exit", "q":
			goto done
		}

		answer, err := runTurn(ctx, controller, graph, question, userID)
		if err != nil {
			if ctx.Err() != nil {
				goto done
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			continue
		}
		fmt.Printf("\n%s\n", answer)

		conversation = append(conversation, "User: "+question, "Assistant: "+answer)
	}

done:
	if len(conversation) > 0 {
		logger.Info("extracting profile updates from conversation")
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		applied, err := pipeline.Run(writeCtx, strings.Join(conversation, "\n"), userID)
		if err != nil {
			logger.Warn("profile extraction failed", zap.Error(err))
		} else if applied > 0 {
			logger.Info("profile updated", zap.Int("applied", applied))
		}
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graph, err := openGraph(cfg)
	if err != nil {
		return err
	}
	defer graph.Close()

	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	base, reasoning := newClients(cfg)
	reg := newRegistry(cfg, embedder, graph, vectors, base)
	controller := newController(cfg, base, reasoning, reg)

	answer, err := runTurn(ctx, controller, graph, strings.Join(args, " "), userID)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

// runTurn executes one agent run with the user's profile attached.
func runTurn(ctx context.Context, controller *agent.Controller, graph store.GraphStore, question, userID string) (string, error) {
	profile, err := memory.ReadProfile(ctx, graph, userID)
	if err != nil {
		logger.Warn("failed to read profile, continuing without", zap.Error(err))
		profile = ""
	}

	result, err := controller.Run(ctx, agent.RunRequest{
		Question:    question,
		UserProfile: profile,
	}, func(ev agent.Event) {
		if ev.Type == agent.EventState && ev.State != nil {
			logger.Debug("phase", zap.String("phase", string(ev.State.Phase)), zap.Int("iteration", ev.State.Round))
		}
	})
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(result.FinalAnswer)
	if answer == "" {
		answer = "No answer produced."
	}
	return answer, nil
}

// ---------------------------------------------------------------------------
// ingest / reembed
// ---------------------------------------------------------------------------

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files, err := collectDocuments(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no documents found under %s", strings.Join(args, ", "))
	}

	graph, err := openGraph(cfg)
	if err != nil {
		return err
	}
	defer graph.Close()

	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	base, _ := newClients(cfg)
	chunker, err := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return err
	}
	ingestor := ingest.NewIngestor(ingest.IngestorDeps{
		Chunker:     chunker,
		Extractor:   ingest.NewExtractor(base, logger),
		Graph:       graph,
		Vectors:     vectors,
		Embedder:    embedder,
		Concurrency: cfg.Agent.Concurrency,
		Logger:      logger,
	})

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		docID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		fmt.Printf("Ingesting %s (%d chars)...\n", filepath.Base(path), len(data))

		stats, err := ingestor.IngestText(ctx, docID, string(data))
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		fmt.Printf("  chunks=%d failed=%d entities=%d relations=%d\n",
			stats.Chunks, stats.FailedChunks, stats.Entities, stats.Relations)
	}
	return nil
}

// collectDocuments expands directories into their .md and .txt files.
func collectDocuments(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("file not found: %s", p)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".md", ".txt":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func runReembed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vectors, err := openVectors(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	count, err := ingest.Reembed(ctx, vectors, embedder, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Re-embedded %d chunks\n", count)
	return nil
}
