// Copyright 2026 The phunkd Authors
// This file is part of the phunkd library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// phunkd is the phunk ethscription indexer daemon. It tails an Ethereum node,
// mirrors phunk creations, transfers, marketplace, auction, points and bridge
// activity into a datastore and survives node reorgs and restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/etherphunks/phunkd/chain"
	"github.com/etherphunks/phunkd/index"
	"github.com/etherphunks/phunkd/params"
	"github.com/etherphunks/phunkd/queue"
	"github.com/etherphunks/phunkd/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	rpcFlag = &cli.StringFlag{
		Name:  "rpc",
		Usage: "Ethereum JSON-RPC endpoint (http(s) or ws(s))",
	}
	providerFlag = &cli.StringFlag{
		Name:  "provider",
		Usage: "Ethscriptions provider base URL for batch transfer validation",
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chainid",
		Usage: "Chain id of the endpoint",
	}
	originFlag = &cli.Uint64Flag{
		Name:  "origin",
		Usage: "First block to scan when no checkpoint exists",
	}
	dictionaryFlag = &cli.StringFlag{
		Name:     "dictionary",
		Usage:    "JSON file mapping payload sha256 to token id",
		Required: true,
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the durable block queue",
		Value: "phunkd-data",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Postgres connection string (in-memory store when empty)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
	l2RPCFlag = &cli.StringFlag{
		Name:  "l2.rpc",
		Usage: "JSON-RPC endpoint of the layer hosting the points contract, when not the indexed chain",
	}
)

func main() {
	app := &cli.App{
		Name:  "phunkd",
		Usage: "phunk ethscription indexer",
		Flags: []cli.Flag{
			configFlag,
			rpcFlag,
			providerFlag,
			chainIDFlag,
			originFlag,
			dictionaryFlag,
			datadirFlag,
			dbFlag,
			verbosityFlag,
			logFileFlag,
			l2RPCFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig merges, in order of precedence, command line flags over the TOML
// file over the built-in defaults.
func loadConfig(ctx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", path, err)
		}
	}
	if ctx.IsSet(rpcFlag.Name) {
		cfg.RPCURL = ctx.String(rpcFlag.Name)
	}
	if ctx.IsSet(providerFlag.Name) {
		cfg.ProviderURL = ctx.String(providerFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = ctx.Uint64(chainIDFlag.Name)
	}
	if ctx.IsSet(originFlag.Name) {
		cfg.OriginBlock = ctx.Uint64(originFlag.Name)
	}
	if err := cfg.Sanitize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupLogging(ctx *cli.Context) {
	var handler log.Handler
	if path := ctx.String(logFileFlag.Name); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			Compress:   true,
		}
		handler = log.StreamHandler(rotator, log.LogfmtFormat())
	} else {
		handler = log.StreamHandler(os.Stderr, log.TerminalFormat(true))
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	log.Root().SetHandler(glogger)
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dict, err := params.LoadDictionary(ctx.String(dictionaryFlag.Name))
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	// The points contract may live on another layer; default to the indexed
	// chain's client otherwise.
	points := index.PointsReader(client)
	if l2 := ctx.String(l2RPCFlag.Name); l2 != "" {
		l2cfg := *cfg
		l2cfg.RPCURL = l2
		l2client, err := chain.Dial(rootCtx, &l2cfg)
		if err != nil {
			return err
		}
		defer l2client.Close()
		points = l2client
	}

	var db store.Store
	if dsn := ctx.String(dbFlag.Name); dsn != "" {
		pg, err := store.OpenPostgres(dsn)
		if err != nil {
			return err
		}
		defer pg.Close()
		db = pg
	} else {
		log.Warn("No database configured, indexing into memory")
		db = store.NewMemory()
	}

	qpath := filepath.Join(ctx.String(datadirFlag.Name), fmt.Sprintf("queue-%d", cfg.ChainID))
	q, err := queue.Open(qpath, fmt.Sprint(cfg.ChainID))
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	idx := index.New(cfg, db, client, points, q, dict)
	log.Info("Starting phunkd", "chainid", cfg.ChainID, "origin", cfg.OriginBlock, "phunks", len(dict))

	if err := idx.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		return err
	}
	log.Info("Shutting down")
	return nil
}
