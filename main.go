// Command spot-trader runs the automated spot trading engine and its
// companion one-shot tools.
//
//	spot-trader run      start the trading loop
//	spot-trader scan     evaluate the tradable universe without trading
//	spot-trader convert  sweep stray holdings into one asset
//	spot-trader token    mint a bearer token for the ops API
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"spot-trader/internal/api"
	"spot-trader/internal/balance"
	"spot-trader/internal/convert"
	"spot-trader/internal/engine"
	"spot-trader/internal/events"
	"spot-trader/internal/market"
	"spot-trader/internal/monitor"
	"spot-trader/internal/order"
	"spot-trader/internal/risk"
	"spot-trader/internal/scanner"
	"spot-trader/internal/strategy"
	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/coinbase"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/exchanges/paper"
)

const usage = `usage: spot-trader <command> [flags]

commands:
  run      start the trading loop
  scan     evaluate the tradable universe without trading
  convert  sweep stray holdings into one asset
  token    mint a bearer token for the ops API
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		err = runCmd(ctx, args)
	case "scan":
		err = scanCmd(ctx, args)
	case "convert":
		err = convertCmd(ctx, args)
	case "token":
		err = tokenCmd(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		if _, ok := err.(configError); ok {
			log.Printf("config: %v", err)
			os.Exit(2)
		}
		log.Printf("%s: %v", cmd, err)
		os.Exit(1)
	}
}

type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError{err}
	}
	return cfg, nil
}

// buildGateway returns the trading gateway. In paper mode orders are
// simulated locally while market data still comes from the exchange.
func buildGateway(cfg *config.Config) (common.Gateway, *paper.Gateway) {
	real := coinbase.New(coinbase.Config{
		APIKey:    cfg.Creds.APIKey,
		APISecret: cfg.Creds.APISecret,
	})
	if !cfg.Trading.PaperTradingMode {
		return real, nil
	}
	opts := paper.DefaultOptions()
	opts.QuoteCurrency = cfg.Trading.QuoteCurrency
	pg := paper.New(real, opts)
	return pg, pg
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	mode := "LIVE"
	if cfg.Trading.PaperTradingMode {
		mode = "PAPER"
	}
	log.Printf("starting engine: mode=%s strategy=%s quote=%s", mode, cfg.Strategies.Active, cfg.Trading.QuoteCurrency)

	gw, paperGW := buildGateway(cfg)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := db.NewStore(database)

	bus := events.NewBus()
	staleness := time.Duration(cfg.Trading.MaxPriceStalenessS) * time.Second
	prices := market.NewPriceService(gw, bus, staleness)

	riskMgr, err := risk.NewManager(ctx, cfg.Risk, store)
	if err != nil {
		return fmt.Errorf("restore risk state: %w", err)
	}
	orders := order.NewManager(gw, store, bus, riskMgr, order.FromConfig(cfg))
	valuer := balance.NewManager(gw, store, prices, cfg.Trading.QuoteCurrency)

	strat, err := strategy.New(cfg.Strategies.Active, cfg.Strategies.HybridK)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, engine.Deps{
		Gateway: gw,
		Store:   store,
		Bus:     bus,
		Prices:  prices,
		Risk:    riskMgr,
		Orders:  orders,
		Valuer:  valuer,
		Strat:   strat,
	})

	relay := &monitor.AlertRelay{Bus: bus, Sink: func(msg string) { log.Printf("ALERT %s", msg) }}
	relay.Start(ctx)

	stream := coinbase.NewStream(coinbase.Config{
		APIKey:    cfg.Creds.APIKey,
		APISecret: cfg.Creds.APISecret,
	})
	eng.Attach(stream)
	ids, err := streamUniverse(ctx, gw, cfg.Trading.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	stream.Subscribe(ids)
	go func() {
		if err := stream.Start(ctx); err != nil {
			log.Printf("stream: %v", err)
		}
	}()
	defer stream.Close()

	// Paper fills arrive on a local channel instead of the user stream.
	if paperGW != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-paperGW.Updates():
					orders.HandleOrderUpdate(ctx, u)
				}
			}
		}()
	}

	if cfg.API.Enabled {
		srv := api.NewServer(store, eng, cfg.Creds.OpsTokenKey)
		go func() {
			log.Printf("api: listening on %s", cfg.API.Addr)
			if err := srv.Serve(ctx, cfg.API.Addr); err != nil {
				log.Printf("api: %v", err)
			}
		}()
	}

	return eng.Run(ctx)
}

func streamUniverse(ctx context.Context, gw common.Gateway, quote string) ([]string, error) {
	products, err := gw.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range products {
		if p.Quote == quote && !p.ViewOnly && !p.TradingDisabled {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func scanCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	stratName := fs.String("strategy", "all", "strategy to evaluate, or \"all\"")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	gw, _ := buildGateway(cfg)
	staleness := time.Duration(cfg.Trading.MaxPriceStalenessS) * time.Second
	prices := market.NewPriceService(gw, nil, staleness)

	results, err := scanner.New(cfg, gw, prices).Scan(ctx, *stratName)
	if err != nil {
		return err
	}
	scanner.Print(os.Stdout, results)
	return nil
}

func convertCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	target := fs.String("target", "", "asset to convert into (required)")
	from := fs.String("from", "", "comma-separated source assets, default all")
	yes := fs.Bool("yes", false, "skip confirmation prompt")
	fs.Parse(args)

	if *target == "" {
		return fmt.Errorf("-target is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	gw, _ := buildGateway(cfg)
	staleness := time.Duration(cfg.Trading.MaxPriceStalenessS) * time.Second
	prices := market.NewPriceService(gw, nil, staleness)

	asset := strings.ToUpper(*target)
	var sources []string
	if *from != "" {
		for _, s := range strings.Split(*from, ",") {
			if s = strings.TrimSpace(strings.ToUpper(s)); s != "" {
				sources = append(sources, s)
			}
		}
	}

	conv := convert.New(gw, prices, cfg.Trading.QuoteCurrency, cfg.Risk.MinQuoteTrade)
	plan, err := conv.Plan(ctx, asset, sources)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		fmt.Println("nothing to convert")
		return nil
	}

	fmt.Printf("converting %d holdings to %s:\n", len(plan), asset)
	for _, h := range plan {
		fmt.Printf("  %s %s (%s %s)\n", h.Amount, h.Currency, h.Value.StringFixed(2), cfg.Trading.QuoteCurrency)
	}
	if !*yes && !confirm("proceed? (yes/no): ") {
		fmt.Println("cancelled")
		return nil
	}

	results := conv.Execute(ctx, asset, plan)
	convert.Print(os.Stdout, asset, results)
	if n := failed(results); n > 0 {
		return fmt.Errorf("%d of %d conversions failed", n, len(results))
	}
	return nil
}

func failed(results []convert.Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(strings.ToLower(line)) == "yes"
}

func tokenCmd(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config YAML")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	tok, err := api.IssueToken(cfg.Creds.OpsTokenKey, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
