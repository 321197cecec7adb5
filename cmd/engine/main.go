// Package main is the entry point for the ALL-USE options engine: an
// autonomous trader of cash-secured puts and covered calls across the
// Generator, Revenue, and Compounder sleeves, with every action recorded in
// an append-only hash-chained ledger.
//
// The binary exposes a minimal command surface. "start" runs the engine;
// "pause-account" and "kill-all" address the running process over its HTTP
// API; "snapshot-ledger" and "replay-to-seq" are offline recovery tools that
// open the databases directly and must run with the engine stopped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/pkg/logger"
)

// Exit codes of the command surface.
const (
	exitOK                = 0
	exitFailure           = 1
	exitLedgerIntegrity   = 2
	exitBrokerUnreachable = 3
	exitConfigInvalid     = 4
)

const usage = `ALL-USE options engine.

Usage:
  engine [command]

Commands:
  start                 Run the engine (default)
  pause-account <id>    Pause an account on the running engine
  kill-all              Latch the kill switch on the running engine
  snapshot-ledger       Record a state snapshot in the ledger (engine stopped)
  replay-to-seq <n>     Rebuild derived state from the ledger up to seq n (engine stopped)

Exit codes: 0 ok, 2 ledger integrity failure, 3 broker unreachable, 4 invalid configuration.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		args = []string{"start"}
	}

	switch args[0] {
	case "start":
		return cmdStart()
	case "pause-account":
		if len(args) < 2 || args[1] == "" {
			fmt.Fprintf(os.Stderr, "pause-account requires an account id\n\n%s", usage)
			return exitConfigInvalid
		}
		return cmdPauseAccount(args[1])
	case "kill-all":
		return cmdKillAll()
	case "snapshot-ledger":
		return cmdSnapshotLedger()
	case "replay-to-seq":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "replay-to-seq requires a sequence number\n\n%s", usage)
			return exitConfigInvalid
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "invalid sequence number %q\n\n%s", args[1], usage)
			return exitConfigInvalid
		}
		return cmdReplayToSeq(n)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitConfigInvalid
	}
}

// exitCode maps an error to the contracted exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrLedgerIntegrity):
		return exitLedgerIntegrity
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return exitBrokerUnreachable
	default:
		return exitFailure
	}
}

// cmdStart wires the full engine, runs the startup contract, and serves
// until SIGINT or SIGTERM.
func cmdStart() int {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Error().Err(err).Msg("Failed to load configuration")
		return exitConfigInvalid
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Str("mode", string(cfg.Mode)).Str("data_dir", cfg.DataDir).Msg("Starting engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Engine wiring failed")
		return exitCode(err)
	}
	defer app.Close()

	// Market data intake starts first so the startup contract and the
	// machines see a warming cache rather than an empty one.
	go app.Coalescer.Run()
	go func() {
		if err := app.Poller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Market poller stopped")
		}
	}()
	if app.Feed != nil {
		go func() {
			if err := app.Feed.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Market feed stopped")
			}
		}()
	}

	if app.Backups != nil {
		if err := app.Backups.VerifyLatest(ctx); err != nil {
			log.Warn().Err(err).Msg("Latest backup failed verification")
		}
	}

	if err := app.Supervisor.Bootstrap(cfg.OpeningCapital); err != nil {
		log.Error().Err(err).Msg("Bootstrap failed")
		return exitCode(err)
	}
	if err := app.Supervisor.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("Startup contract failed")
		return exitCode(err)
	}
	if err := app.Supervisor.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Supervisor start failed")
		return exitCode(err)
	}

	app.Scheduler.Start()

	go func() {
		if err := app.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop intake and decision loops before cancelling contexts so in-flight
	// order operations finish cleanly.
	app.Scheduler.Stop()
	app.Supervisor.Stop()
	app.Poller.Stop()
	if app.Feed != nil {
		_ = app.Feed.Stop()
	}
	app.Coalescer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Engine stopped")
	return exitOK
}

// cmdPauseAccount pauses one account on the running engine.
func cmdPauseAccount(accountID string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfigInvalid
	}

	var reply struct {
		AccountID string `json:"account_id"`
		Status    string `json:"status"`
	}
	if err := postEngine(cfg.Port, "/api/accounts/"+accountID+"/pause", &reply); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	fmt.Printf("account %s is now %s\n", reply.AccountID, reply.Status)
	return exitOK
}

// cmdKillAll latches the kill switch on the running engine.
func cmdKillAll() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfigInvalid
	}

	var reply struct {
		Mode string `json:"mode"`
	}
	if err := postEngine(cfg.Port, "/api/kill", &reply); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	fmt.Printf("kill switch latched, mode %s\n", reply.Mode)
	return exitOK
}

// cmdSnapshotLedger verifies the chain, rebuilds derived state, and records
// a snapshot entry binding the state hash to the ledger tip.
func cmdSnapshotLedger() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfigInvalid
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	app, err := openOffline(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	defer app.Close()

	if err := app.Ledger.VerifyChain(); err != nil {
		fmt.Fprintln(os.Stderr, "ledger verification failed:", err)
		return exitCode(err)
	}
	if err := app.Store.Rebuild(); err != nil {
		fmt.Fprintln(os.Stderr, "state rebuild failed:", err)
		return exitCode(err)
	}

	stateHash, err := app.Store.StateHash()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	tip, err := app.Ledger.Snapshot(stateHash)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}

	fmt.Printf("snapshot recorded at seq %d\nstate hash %s\ntip hash   %s\n", app.Ledger.LastSeq(), stateHash, tip)
	return exitOK
}

// cmdReplayToSeq rebuilds the derived state database from the ledger prefix
// ending at seq n. The next engine start rebuilds to the tip again; this is
// an inspection tool for historical state.
func cmdReplayToSeq(n int64) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration invalid:", err)
		return exitConfigInvalid
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	app, err := openOffline(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	defer app.Close()

	if err := app.Ledger.VerifyChain(); err != nil {
		fmt.Fprintln(os.Stderr, "ledger verification failed:", err)
		return exitCode(err)
	}

	tip := app.Ledger.LastSeq()
	if n > tip {
		n = tip
	}
	if err := app.Store.RebuildTo(n); err != nil {
		fmt.Fprintln(os.Stderr, "replay failed:", err)
		return exitCode(err)
	}

	stateHash, err := app.Store.StateHash()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}

	fmt.Printf("derived state rebuilt to seq %d (ledger tip %d)\nstate hash %s\n", n, tip, stateHash)
	return exitOK
}

// postEngine posts an operator command to the running engine's local API and
// decodes the JSON reply into out.
func postEngine(port int, path string, out interface{}) error {
	client := &http.Client{Timeout: 30 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("engine not reachable at %s (is it running?): %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading engine reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed engine reply: %w", err)
	}
	return nil
}
