package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	guarddomain "github.com/smallbiznis/ledgerguard/internal/guard/domain"
	guardservice "github.com/smallbiznis/ledgerguard/internal/guard/service"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ledgerguard/internal/ledger/service"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"github.com/smallbiznis/ledgerguard/internal/reconcile"
	"github.com/smallbiznis/ledgerguard/internal/spend"
	"github.com/smallbiznis/ledgerguard/pkg/db"
)

const usage = `lgctl <command> [flags]

Commands:
  mint        -account <id> -amount <micro> [-source seed|purchase|grant] [-expires <RFC3339>]
  balance     -account <id>
  lots        -account <id>
  drift       -account <id>
  clear-halt  -account <id>
  reconcile   [-account <id>] [-resync] [-limit <n>]
`

type env struct {
	cfg       config.Config
	log       *zap.Logger
	ledgerSvc ledgerdomain.Service
	guardSvc  guarddomain.Service
	reconcile *reconcile.Service
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	e, err := buildEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lgctl: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = e.log.Sync() }()

	ctx := context.Background()
	if err := dispatch(ctx, e, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "lgctl: %v\n", err)
		os.Exit(1)
	}
}

func buildEnv() (*env, error) {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	conn, err := db.New(cfg, log)
	if err != nil {
		return nil, err
	}

	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	clk := clock.NewSystemClock()
	holds := spend.NewHoldStore(client, cfg.Spend.ReservationTTL, log)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	guardSvc := guardservice.NewService(guardservice.Params{
		DB:      conn,
		Redis:   client,
		Log:     log,
		Cfg:     cfg,
		Dynamic: config.NewDynamic(cfg, log),
		Holds:   holds,
		Clock:   clk,
	})
	reconcileSvc := reconcile.NewService(reconcile.Params{
		DB:    conn,
		Log:   log,
		Cfg:   cfg,
		Clock: clk,
		Holds: holds,
	})

	return &env{
		cfg:       cfg,
		log:       log,
		ledgerSvc: ledgerSvc,
		guardSvc:  guardSvc,
		reconcile: reconcileSvc,
	}, nil
}

func dispatch(ctx context.Context, e *env, command string, args []string) error {
	switch command {
	case "mint":
		return cmdMint(ctx, e, args)
	case "balance":
		return cmdBalance(ctx, e, args)
	case "lots":
		return cmdLots(ctx, e, args)
	case "drift":
		return cmdDrift(ctx, e, args)
	case "clear-halt":
		return cmdClearHalt(ctx, e, args)
	case "reconcile":
		return cmdReconcile(ctx, e, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseAccount(raw string) (snowflake.ID, error) {
	if raw == "" {
		return 0, fmt.Errorf("-account is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdMint(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	amount := fs.Int64("amount", 0, "credit amount in micro units")
	source := fs.String("source", string(ledgerdomain.LotSourceGrant), "lot source")
	expires := fs.String("expires", "", "expiry timestamp, RFC3339")
	_ = fs.Parse(args)

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("invalid -expires: %w", err)
		}
		expiresAt = &t
	}

	lot, err := e.ledgerSvc.MintLot(ctx, ledgerdomain.MintLotRequest{
		AccountID:   accountID,
		Source:      ledgerdomain.LotSource(*source),
		AmountMicro: micro.Amount(*amount),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}
	return printJSON(lot)
}

func cmdBalance(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	_ = fs.Parse(args)

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}
	balance, err := e.ledgerSvc.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"account_id":    accountID.String(),
		"balance_micro": balance.Int64(),
	})
}

func cmdLots(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("lots", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	_ = fs.Parse(args)

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}
	lots, err := e.ledgerSvc.ListLots(ctx, accountID)
	if err != nil {
		return err
	}
	return printJSON(lots)
}

func cmdDrift(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("drift", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	_ = fs.Parse(args)

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}
	report, err := e.guardSvc.CheckConservation(ctx, accountID)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func cmdClearHalt(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("clear-halt", flag.ExitOnError)
	account := fs.String("account", "", "account id")
	_ = fs.Parse(args)

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}
	if err := e.guardSvc.ClearHalt(ctx, accountID); err != nil {
		return err
	}
	return printJSON(map[string]any{
		"account_id": accountID.String(),
		"halted":     false,
	})
}

func cmdReconcile(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	account := fs.String("account", "", "account id, reconciles all when empty")
	resync := fs.Bool("resync", false, "snap the cache to the durable total")
	limit := fs.Int("limit", 100, "max accounts per run")
	_ = fs.Parse(args)

	if *account == "" {
		results, err := e.reconcile.Run(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(results)
	}

	accountID, err := parseAccount(*account)
	if err != nil {
		return err
	}
	if *resync {
		total, err := e.reconcile.Resync(ctx, accountID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"account_id":      accountID.String(),
			"committed_micro": total.Int64(),
			"resynced":        true,
		})
	}

	result, err := e.reconcile.RunAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return printJSON(result)
}
