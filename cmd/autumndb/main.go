package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/product-os/autumndb/pkg/config"
	"github.com/product-os/autumndb/pkg/identity"
	"github.com/product-os/autumndb/pkg/kernel"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing: it parses args[1] as the command,
// defaulting to server when none is given.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "reset":
		return runResetCmd(stdout, stderr)
	case "drop":
		return runDropCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sautumndb%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintf(w, "%sa schema-driven, permissioned contract store%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  autumndb <command> [flags]")
	fmt.Fprintln(w, "")
	printSection(w, "KERNEL")
	printCommand(w, "server", "Run the kernel (default)")
	printCommand(w, "health", "Check server health (HTTP)")
	printSection(w, "ADMIN (requires ALLOW_DESTRUCTIVE_OPS=true)")
	printCommand(w, "reset", "Truncate every contract row")
	printCommand(w, "drop", "Drop the contracts table entirely")
	printSection(w, "UTILITIES")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

//nolint:gocognit
func runServer() {
	fmt.Fprintf(os.Stdout, "%sautumndb starting...%s\n", colorBold+colorBlue, colorReset)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[autumndb] config: %v", err)
	}

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("[autumndb] identity keyset: %v", err)
	}
	tokens := identity.NewTokenManager(keySet)

	k, err := kernel.Open(ctx, cfg,
		kernel.WithLogger(logger),
		kernel.WithTokenManager(tokens),
	)
	if err != nil {
		log.Fatalf("[autumndb] open kernel: %v", err)
	}
	defer k.Close()

	go k.Run(ctx)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := k.GetStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !status.Backend.Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	go func() {
		log.Println("[autumndb] health server: :8081")
		//nolint:gosec // intentionally listening on all interfaces
		if err := http.ListenAndServe(":8081", healthMux); err != nil && err != http.ErrServerClosed {
			log.Printf("[autumndb] health server error: %v", err)
		}
	}()

	log.Println("[autumndb] ready")
	log.Println("[autumndb] press ctrl+c to stop")

	<-ctx.Done()
	log.Println("[autumndb] shutting down")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runResetCmd(out, errOut io.Writer) int {
	return runDestructiveCmd(out, errOut, func(ctx context.Context, k *kernel.Kernel) error {
		return k.Reset(ctx)
	})
}

func runDropCmd(out, errOut io.Writer) int {
	return runDestructiveCmd(out, errOut, func(ctx context.Context, k *kernel.Kernel) error {
		return k.Drop(ctx)
	})
}

func runDestructiveCmd(out, errOut io.Writer, op func(context.Context, *kernel.Kernel) error) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}

	ctx := context.Background()
	k, err := kernel.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "open kernel: %v\n", err)
		return 2
	}
	defer k.Close()

	if err := op(ctx, k); err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
