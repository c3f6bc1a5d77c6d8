package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/spica/internal/api"
	"github.com/mattjoyce/spica/internal/audit"
	"github.com/mattjoyce/spica/internal/config"
	"github.com/mattjoyce/spica/internal/governor"
	"github.com/mattjoyce/spica/internal/lifecycle"
	"github.com/mattjoyce/spica/internal/lock"
	"github.com/mattjoyce/spica/internal/log"
	"github.com/mattjoyce/spica/internal/registry"
	"github.com/mattjoyce/spica/internal/retention"
	"github.com/mattjoyce/spica/internal/rpc"
	"github.com/mattjoyce/spica/internal/spawn"
	"github.com/mattjoyce/spica/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "cell":
		return runCellNoun(args)
	case "fleet":
		return runFleetNoun(args)
	case "registry":
		return runRegistryNoun(args)
	case "version", "--version":
		fmt.Printf("spica %s (%s)\n", version, gitCommit)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runCellNoun(args []string) int {
	if len(args) < 1 {
		printCellHelp()
		return 1
	}
	switch args[0] {
	case "serve":
		return runCellServe(args[1:])
	case "spawn":
		return runCellSpawn(args[1:])
	case "call":
		return runCellCall(args[1:])
	case "verify":
		return runCellVerify(args[1:])
	case "help", "--help", "-h":
		printCellHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown cell action: %s\n\n", args[0])
		printCellHelp()
		return 1
	}
}

func runFleetNoun(args []string) int {
	if len(args) < 1 {
		printFleetHelp()
		return 1
	}
	switch args[0] {
	case "prune":
		return runFleetPrune(args[1:])
	case "status":
		return runFleetStatus(args[1:])
	case "api":
		return runFleetAPI(args[1:])
	case "watch":
		return runFleetWatch(args[1:])
	case "help", "--help", "-h":
		printFleetHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown fleet action: %s\n\n", args[0])
		printFleetHelp()
		return 1
	}
}

func runRegistryNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		fmt.Println("Usage: spica registry list [--config PATH] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	if args[0] != "list" {
		fmt.Fprintf(os.Stderr, "Unknown registry action: %s\n", args[0])
		return 1
	}
	return runRegistryList(args[1:])
}

// --- cell serve ---

func runCellServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	instanceID := fs.String("id", "", "Instance id this server controls (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *instanceID == "" {
		fmt.Fprintln(os.Stderr, "Usage: spica cell serve --id SPICA_ID [--config PATH]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("spica cell starting", "version", version, "role", cfg.Service.Role, "spica_id", *instanceID)

	pidLock, err := lock.Acquire(lock.ForRole(cfg.Paths.SocketDir, cfg.Service.Role))
	if err != nil {
		logger.Error("failed to acquire role lock (another server may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()

	spawner := spawn.New(spawn.Config{
		TemplateDir:  cfg.Paths.TemplateDir,
		InstancesDir: cfg.Paths.InstancesDir,
		OriginCommit: cfg.Spawn.OriginCommit,
	})

	srv := rpc.New(rpc.Config{
		SocketPath:  cfg.SocketPath(cfg.Service.Role),
		SpicaID:     *instanceID,
		InstanceDir: spawner.InstanceDir(*instanceID),
	}, lifecycle.New(), registry.New(cfg.Paths.Registry), log.WithComponent("rpc"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("rpc server failed", "error", err)
		return 1
	}
	logger.Info("spica cell stopped")
	return 0
}

// --- cell spawn ---

// kvFlags collects repeatable key=value flags into a map. Used for both
// --mutation and --budget.
type kvFlags map[string]any

func (m kvFlags) String() string { return "" }

func (m kvFlags) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	m[key] = val
	return nil
}

func runCellSpawn(args []string) int {
	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	parentID := fs.String("parent", "", "Parent instance id")
	notes := fs.String("notes", "", "Free-form manifest notes")
	autoPrune := fs.Bool("auto-prune", false, "Prune the pool before spawning (no tournament lock)")
	mutations := kvFlags{}
	fs.Var(mutations, "mutation", "Parameter mutation key=value (repeatable)")
	budget := kvFlags{}
	fs.Var(budget, "budget", "Resource budget key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(ctx, cfg.Paths.AuditDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		return 1
	}
	defer auditLog.Close()

	gov := governor.New(governor.Config{
		StatePath:        cfg.Governor.StatePath,
		InstancesDir:     cfg.Paths.InstancesDir,
		MinDiskFreeBytes: cfg.Governor.MinDiskFreeBytes(),
		MaxSpawnsPerHour: cfg.Governor.MaxSpawnsPerHour,
		MaxInstances:     cfg.Governor.MaxInstances,
		BreakerThreshold: cfg.Governor.BreakerThreshold,
		BreakerCooldown:  cfg.Governor.BreakerCooldown,
		WarnInterval:     cfg.Governor.WarnInterval,
	}, nil)

	ok, reason, err := gov.CanSpawn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Governor check failed: %v\n", err)
		return 1
	}
	if !ok {
		_ = auditLog.RecordSpawn(ctx, audit.SpawnRecord{
			ParentID: *parentID,
			Success:  false,
			Reason:   reason,
			At:       time.Now(),
		})
		fmt.Fprintf(os.Stderr, "Spawn denied: %s\n", reason)
		return 1
	}

	pruner := retention.New(retention.Config{
		InstancesDir:   cfg.Paths.InstancesDir,
		LockStaleAfter: cfg.Retention.LockStaleAfter,
	}, auditLog)

	spawner := spawn.New(spawn.Config{
		TemplateDir:  cfg.Paths.TemplateDir,
		InstancesDir: cfg.Paths.InstancesDir,
		OriginCommit: cfg.Spawn.OriginCommit,
	})
	spawner.PrePrune = func(ctx context.Context) error {
		_, err := pruner.Prune(ctx, cfg.Retention.MaxInstances, cfg.Retention.MaxAgeDays, false)
		return err
	}

	id, err := spawner.Spawn(ctx, spawn.Options{
		Mutations: mutations,
		ParentID:  *parentID,
		Budget:    budget,
		Notes:     *notes,
		AutoPrune: *autoPrune,
	})

	if recErr := gov.RecordSpawnAttempt(err == nil, errText(err)); recErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record spawn attempt: %v\n", recErr)
	}
	_ = auditLog.RecordSpawn(ctx, audit.SpawnRecord{
		InstanceID: id,
		ParentID:   *parentID,
		Success:    err == nil,
		Reason:     errText(err),
		At:         time.Now(),
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Spawn failed: %v\n", err)
		return 1
	}
	fmt.Println(id)
	return 0
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --- cell call ---

func runCellCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	socketPath := fs.String("socket", "", "Control socket path (required)")
	params := fs.String("params", "", "Method params as a JSON object or array")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-call timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *socketPath == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: spica cell call --socket PATH METHOD [--params JSON]")
		return 1
	}
	method := fs.Arg(0)

	var p any
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --params JSON: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(ctx, method, p, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Call failed: %v\n", err)
		return 1
	}

	pretty, err := json.MarshalIndent(json.RawMessage(result), "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return 0
	}
	fmt.Println(string(pretty))
	return 0
}

// --- cell verify ---

func runCellVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: spica cell verify SPICA_ID [--config PATH]")
		return 1
	}
	id := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	spawner := spawn.New(spawn.Config{
		TemplateDir:  cfg.Paths.TemplateDir,
		InstancesDir: cfg.Paths.InstancesDir,
	})

	ok, err := spawner.VerifyLineageIntegrity(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Printf("%s: lineage record ALTERED since spawn\n", id)
		return 1
	}
	fmt.Printf("%s: lineage intact\n", id)
	return 0
}

// --- fleet prune ---

func runFleetPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	maxInstances := fs.Int("max-instances", 0, "Override retention.max_instances")
	maxAgeDays := fs.Int("max-age-days", 0, "Override retention.max_age_days")
	dryRun := fs.Bool("dry-run", false, "Report without deleting")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	if *maxInstances == 0 {
		*maxInstances = cfg.Retention.MaxInstances
	}
	if *maxAgeDays == 0 {
		*maxAgeDays = cfg.Retention.MaxAgeDays
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(ctx, cfg.Paths.AuditDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		return 1
	}
	defer auditLog.Close()

	pruner := retention.New(retention.Config{
		InstancesDir:   cfg.Paths.InstancesDir,
		LockStaleAfter: cfg.Retention.LockStaleAfter,
	}, auditLog)

	res, err := pruner.Prune(ctx, *maxInstances, *maxAgeDays, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return 1
	}

	label := ""
	if *dryRun {
		label = " (dry run)"
	}
	fmt.Printf("Pruned%s: %d removed, %d kept, %d tournament-protected, %d incomplete cleaned, %s reclaimed\n",
		label, res.Pruned, res.Kept, res.TournamentProtected, res.IncompleteCleaned, formatBytes(res.SpaceReclaimed))
	return 0
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// --- fleet status ---

func runFleetStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	reg := registry.New(cfg.Paths.Registry)
	snap, err := reg.ListAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read registry: %v\n", err)
		return 1
	}

	gov := governor.New(governor.Config{
		StatePath:    cfg.Governor.StatePath,
		InstancesDir: cfg.Paths.InstancesDir,
	}, nil)
	st, err := gov.Snapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read governor state: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := json.MarshalIndent(map[string]any{
			"registry": snap,
			"governor": st,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	fmt.Printf("Circuit breaker: %s (consecutive failures: %d)\n", st.CircuitState, st.ConsecutiveFailures)
	fmt.Printf("Spawn attempts in history: %d\n", len(st.SpawnHistory))
	fmt.Println()
	printRegistry(snap)
	return 0
}

func printRegistry(snap *registry.Snapshot) {
	if len(snap.Capabilities) == 0 {
		fmt.Println("No capabilities registered.")
		return
	}
	for capability, specs := range snap.Capabilities {
		fmt.Printf("%s:\n", capability)
		for spec, entry := range specs {
			fmt.Printf("  %-20s %-12s %s (v%s, heartbeat %s)\n",
				spec, entry.State, entry.Provider, entry.Version,
				entry.LastHeartbeat.Format(time.RFC3339))
		}
	}
}

// --- fleet api ---

func runFleetAPI(args []string) int {
	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.Open(ctx, cfg.Paths.AuditDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open audit log: %v\n", err)
		return 1
	}
	defer auditLog.Close()

	gov := governor.New(governor.Config{
		StatePath:    cfg.Governor.StatePath,
		InstancesDir: cfg.Paths.InstancesDir,
	}, nil)

	srv := api.New(api.Config{
		Listen:       cfg.API.Listen,
		InstancesDir: cfg.Paths.InstancesDir,
	}, registry.New(cfg.Paths.Registry), gov, auditLog, logger)

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("fleet API failed", "error", err)
		return 1
	}
	return 0
}

// --- fleet watch ---

func runFleetWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8640", "Fleet API base URL")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	m := watch.New(*apiURL)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- registry list ---

func runRegistryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	snap, err := registry.New(cfg.Paths.Registry).ListAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read registry: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render registry: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}
	printRegistry(snap)
	return 0
}

// --- help ---

func printUsage() {
	fmt.Println("spica - self-differentiating cell control plane")
	fmt.Println()
	fmt.Println("Usage: spica <noun> <action> [flags]")
	fmt.Println()
	fmt.Println("Nouns:")
	fmt.Println("  cell      Per-instance operations (serve, spawn, call, verify)")
	fmt.Println("  fleet     Pool-wide operations (prune, status, api, watch)")
	fmt.Println("  registry  Capability registry (list)")
	fmt.Println("  version   Print version")
	fmt.Println()
	fmt.Println("Run 'spica <noun> help' for action details.")
}

func printCellHelp() {
	fmt.Println("Usage: spica cell <action> [flags]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  serve   --id SPICA_ID [--config PATH]       Run the control RPC server for an instance")
	fmt.Println("  spawn   [--parent ID] [--mutation k=v]... [--budget k=v]...   Clone the template into a new instance")
	fmt.Println("          [--notes S] [--auto-prune]")
	fmt.Println("  call    --socket PATH METHOD [--params J]   Invoke an RPC method on a running cell")
	fmt.Println("  verify  SPICA_ID                            Check lineage tamper evidence")
}

func printFleetHelp() {
	fmt.Println("Usage: spica fleet <action> [flags]")
	fmt.Println()
	fmt.Println("Actions:")
	fmt.Println("  prune   [--max-instances N] [--max-age-days N] [--dry-run]")
	fmt.Println("  status  [--json]                            Registry and governor summary")
	fmt.Println("  api     [--config PATH]                     Serve the read-only fleet status API")
	fmt.Println("  watch   [--api-url URL]                     Live fleet dashboard")
}
