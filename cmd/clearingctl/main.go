// ==============================================================================
// CLEARING OPERATOR CLI - cmd/clearingctl/main.go
// ==============================================================================
// An operator tool for the clearing engine's manual-intervention paths:
// verifying a ledger range's hash chain, forcing a window closed, rolling
// back a stuck atomic operation, and running one reconciliation tier-2
// poll pass on demand. Subcommands dispatch on os.Args[1]; these are
// one-shot operator actions, not a long-running process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"settlerail/internal/clearing/atomicop"
	"settlerail/internal/clearing/bankapi"
	"settlerail/internal/clearing/hsm"
	"settlerail/internal/clearing/idgen"
	"settlerail/internal/clearing/ledger"
	"settlerail/internal/clearing/netting"
	"settlerail/internal/clearing/obligation"
	"settlerail/internal/clearing/orchestrator"
	"settlerail/internal/clearing/reconciliation"
	"settlerail/internal/clearing/store/postgres"
	"settlerail/internal/clearing/window"
	"settlerail/pkg/config"
	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.New("clearingctl")

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connecting to database:", err)
		os.Exit(10)
	}
	defer db.Close()

	ctx := context.Background()
	code := dispatch(ctx, db, cfg, log, os.Args[1], os.Args[2:])
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  clearingctl ckpt verify <from-height> <to-height>
  clearingctl window close <window-id>
  clearingctl op rollback <op-id> <reason>
  clearingctl reconcile tier2`)
}

func dispatch(ctx context.Context, db *sqlx.DB, cfg *config.Config, log logger.Logger, group string, args []string) int {
	ids := idgen.Default

	switch group {
	case "ckpt":
		if len(args) < 3 || args[0] != "verify" {
			usage()
			return 2
		}
		return runCkptVerify(ctx, db, cfg, ids, log, args[1], args[2])

	case "window":
		if len(args) < 2 || args[0] != "close" {
			usage()
			return 2
		}
		return runWindowClose(ctx, db, cfg, ids, log, args[1])

	case "op":
		if len(args) < 3 || args[0] != "rollback" {
			usage()
			return 2
		}
		return runOpRollback(ctx, db, ids, log, args[1], args[2])

	case "reconcile":
		if len(args) < 1 || args[0] != "tier2" {
			usage()
			return 2
		}
		return runReconcileTier2(ctx, db, cfg, ids, log)

	default:
		usage()
		return 2
	}
}

func runCkptVerify(ctx context.Context, db *sqlx.DB, cfg *config.Config, ids idgen.Source, log logger.Logger, fromArg, toArg string) int {
	from, err := strconv.ParseInt(fromArg, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid from-height:", err)
		return 2
	}
	to, err := strconv.ParseInt(toArg, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid to-height:", err)
		return 2
	}

	hsmHandle, err := hsm.Init(cfg.HSM)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initializing HSM handle:", err)
		return exitCode(err)
	}
	defer hsmHandle.Shutdown()

	ledgerSvc, err := ledger.NewService(postgres.NewLedgerRepository(db), hsmHandle, ids, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading ledger:", err)
		return exitCode(err)
	}
	if err := ledgerSvc.VerifyBlockChain(ctx, from, to); err != nil {
		fmt.Fprintln(os.Stderr, "chain verification failed:", err)
		return exitCode(err)
	}
	fmt.Printf("heights %d-%d verify: block chain intact\n", from, to)
	return 0
}

func runWindowClose(ctx context.Context, db *sqlx.DB, cfg *config.Config, ids idgen.Source, log logger.Logger, windowIDArg string) int {
	windowID, err := strconv.ParseInt(windowIDArg, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid window id:", err)
		return 2
	}

	pipeline, err := buildMinimalPipeline(db, cfg, ids, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wiring pipeline:", err)
		return exitCode(err)
	}

	result, err := pipeline.CloseWindow(ctx, windowID, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "closing window:", err)
		return exitCode(err)
	}
	fmt.Printf("window %d closed: %d transfers, efficiency %.4f\n",
		windowID, len(result.Netting.Transfers), result.Netting.Efficiency)
	if n := len(result.BlockedObligationIDs); n > 0 {
		fmt.Printf("%d obligation(s) blocked by failed banks; they will be requeued when the region's next window opens\n", n)
	}
	return 0
}

func runOpRollback(ctx context.Context, db *sqlx.DB, ids idgen.Source, log logger.Logger, opIDArg, reason string) int {
	opID, err := uuid.Parse(opIDArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid op id:", err)
		return 2
	}
	ctl := atomicop.NewController(postgres.NewAtomicOpRepository(db), ids, log)
	if err := ctl.Rollback(ctx, opID, reason); err != nil {
		fmt.Fprintln(os.Stderr, "rollback failed:", err)
		return exitCode(err)
	}
	fmt.Printf("operation %s rolled back: %s\n", opID, reason)
	return 0
}

func runReconcileTier2(ctx context.Context, db *sqlx.DB, cfg *config.Config, ids idgen.Source, log logger.Logger) int {
	hsmHandle, err := hsm.Init(cfg.HSM)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initializing HSM handle:", err)
		return exitCode(err)
	}
	defer hsmHandle.Shutdown()

	ledgerSvc, err := ledger.NewService(postgres.NewLedgerRepository(db), hsmHandle, ids, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading ledger:", err)
		return exitCode(err)
	}
	obligationSvc := obligation.NewService(postgres.NewObligationRepository(db), ledgerSvc, ids, log)
	reconSvc := reconciliation.NewService(
		postgres.NewReconciliationRepository(db),
		obligationSvc,
		postgres.NewObligationMatchIndex(db),
		postgres.NewAccountRepository(db),
		bankapi.Init(cfg.Clearing, cfg.Clearing.BankAPIEndpoint),
		nil,
		cfg.Reconciliation,
		ids,
		log,
	)
	evaluated, err := reconSvc.Tier2(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tier-2 poll failed:", err)
		return exitCode(err)
	}
	fmt.Printf("tier-2 poll evaluated %d account(s)\n", evaluated)
	return 0
}

// buildMinimalPipeline wires just enough of the pipeline for a manual
// window close: no event bus and no checkpoint manager, since forcing a
// window closed from the CLI doesn't need either; the HSM handle only signs
// ledger events. A nil *checkpoint.Manager would panic once the ledger
// crosses a block boundary (checkpointTick calls MaybeCheckpoint on it
// unconditionally), so this
// path sets an oversized block size instead, leaving checkpoint emission
// to the long-running clearing-gateway process sharing the same ledger.
func buildMinimalPipeline(db *sqlx.DB, cfg *config.Config, ids idgen.Source, log logger.Logger) (*orchestrator.Pipeline, error) {
	hsmHandle, err := hsm.Init(cfg.HSM)
	if err != nil {
		return nil, clearingerrors.Wrap(err, "initializing HSM handle")
	}
	ledgerSvc, err := ledger.NewService(postgres.NewLedgerRepository(db), hsmHandle, ids, log)
	if err != nil {
		return nil, clearingerrors.Wrap(err, "loading ledger")
	}
	windowSvc := window.NewService(postgres.NewWindowRepository(db), timeNow, log)
	obligationSvc := obligation.NewService(postgres.NewObligationRepository(db), ledgerSvc, ids, log)
	atomicCtl := atomicop.NewController(postgres.NewAtomicOpRepository(db), ids, log)

	p := orchestrator.New(obligationSvc, windowSvc, nil, netting.NewEngine(), atomicCtl, ledgerSvc, nil, nil, log)
	return p.WithBlockSize(1 << 40), nil
}

func timeNow() time.Time { return time.Now() }

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, clearingerrors.ErrInvalidInput):
		return 2
	case errors.Is(err, clearingerrors.ErrNotFound):
		return 3
	case errors.Is(err, clearingerrors.ErrInvalidStateTransition), errors.Is(err, clearingerrors.ErrWindowClosed):
		return 4
	case errors.Is(err, clearingerrors.ErrQuorumNotMet):
		return 5
	default:
		return 10
	}
}
