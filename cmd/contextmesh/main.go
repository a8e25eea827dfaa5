package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/contextmesh/internal/decision"
	"github.com/rendis/contextmesh/internal/engine"
	"github.com/rendis/contextmesh/internal/invoker"
	"github.com/rendis/contextmesh/internal/logging"
	"github.com/rendis/contextmesh/internal/openapi"
	"github.com/rendis/contextmesh/internal/scheduler"
	"github.com/rendis/contextmesh/internal/store"
	meshmcp "github.com/rendis/contextmesh/pkg/mcp"
)

func main() {
	cfg := loadConfig()

	docPath := flag.String("doc", cfg.DocPath, "path to the OpenAPI document with x-contextMesh extensions")
	rulesPath := flag.String("rules", cfg.RulesPath, "path to the decision rules YAML file")
	baseURL := flag.String("base-url", cfg.BaseURL, "base URL for operation invocation (defaults to the document's server URL)")
	dbPath := flag.String("db", cfg.DBPath, "path to the libSQL database file")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	module := flag.String("module", "", "logic module to execute once")
	contextArg := flag.String("context", "", "initial context as JSON, or @file")
	mcpMode := flag.Bool("mcp", false, "serve tools over MCP stdio")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *docPath == "" {
		fatal(logger, "no OpenAPI document: set -doc or CONTEXTMESH_DOC_PATH")
	}
	if *module == "" && !*mcpMode {
		fatal(logger, "nothing to do: pass -module to run once or -mcp to serve")
	}

	doc, err := openapi.Load(*docPath)
	if err != nil {
		fatal(logger, "load document: %v", err)
	}

	decider, err := loadDecider(*rulesPath, logger)
	if err != nil {
		fatal(logger, "load decision rules: %v", err)
	}

	st, err := store.NewLibSQLStore("file:" + *dbPath)
	if err != nil {
		fatal(logger, "open store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		fatal(logger, "migrate store: %v", err)
	}

	target := *baseURL
	if target == "" {
		target = doc.BaseURL()
	}
	inv := invoker.New(invoker.Config{
		BaseURL:     target,
		Timeout:     time.Duration(cfg.HTTPTimeout) * time.Second,
		BearerToken: cfg.BearerToken,
	}, nil, nil, logger)

	service := engine.NewService(doc, decider, inv, st, logger)

	if *mcpMode {
		serveMCP(ctx, service, st, logger)
		return
	}

	initial, err := parseContextArg(*contextArg)
	if err != nil {
		fatal(logger, "parse context: %v", err)
	}

	result, err := service.ExecuteModule(ctx, *module, initial)
	if err != nil {
		fatal(logger, "execute module: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fatal(logger, "marshal result: %v", err)
	}
	fmt.Println(string(out))

	if !result.Status.Terminal() || len(result.Errors) > 0 {
		os.Exit(1)
	}
}

// serveMCP runs the MCP stdio server with the scheduler alongside it.
func serveMCP(ctx context.Context, service *engine.Service, st store.Store, logger *slog.Logger) {
	sched := scheduler.New(st, service, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("recover missed jobs failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		fatal(logger, "start scheduler: %v", err)
	}
	defer sched.Stop()

	srv := meshmcp.NewMeshServer(meshmcp.MeshServerDeps{Service: service, Logger: logger})
	logger.Info("serving MCP over stdio")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal(logger, "mcp server: %v", err)
	}
}

// loadDecider builds the rule set decision maker, or returns nil when no
// rules file is configured.
func loadDecider(path string, logger *slog.Logger) (engine.DecisionMaker, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Rules []decision.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}

	registry, err := decision.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	rules, err := decision.NewRuleSet(registry, doc.Rules, logger)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// parseContextArg decodes the -context flag: inline JSON or @file.
func parseContextArg(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}

	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
	}

	var initial map[string]any
	if err := json.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("initial context must be a JSON object: %w", err)
	}
	return initial, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func fatal(logger *slog.Logger, format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
