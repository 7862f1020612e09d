// Command erc20payment runs the ServiceLoop against a TOML-configured set
// of chains, plus the read-only HTTP observer surface and a Prometheus
// /metrics endpoint, following the teacher's cli.App + app.Action +
// os.Exit(1)-on-startup-failure convention (cmd/kcn/main.go).
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/scx1332/erc20payment-go/chain"
	"github.com/scx1332/erc20payment-go/chain/ethrpc"
	"github.com/scx1332/erc20payment-go/config"
	"github.com/scx1332/erc20payment-go/engine/allowance"
	"github.com/scx1332/erc20payment-go/engine/batcher"
	"github.com/scx1332/erc20payment-go/engine/executor"
	"github.com/scx1332/erc20payment-go/engine/reconciler"
	"github.com/scx1332/erc20payment-go/engine/service"
	"github.com/scx1332/erc20payment-go/httpapi"
	"github.com/scx1332/erc20payment-go/metrics"
	"github.com/scx1332/erc20payment-go/store/gormstore"
)

var logger = gethlog.New("module", "cmd")

func main() {
	app := cli.NewApp()
	app.Name = "erc20payment"
	app.Usage = "ERC20/native-coin batched payment engine"
	app.Flags = appFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keys, err := parsePrivateKeys(os.Getenv("ETH_PRIVATE_KEYS"))
	if err != nil {
		return fmt.Errorf("parse ETH_PRIVATE_KEYS: %w", err)
	}
	receivers := parseAddressList(os.Getenv("ETH_RECEIVERS"))
	_ = receivers // reserved for the inbound observer this repo does not implement

	dbPath := os.Getenv("DB_SQLITE_FILENAME")
	if dbPath == "" {
		dbPath = "erc20payment.sqlite"
	}
	st, err := gormstore.New(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	defer st.Close()

	signer := ethrpc.NewKeySigner(keys)
	registry := chain.NewRegistry()
	for _, cc := range cfg.Chains {
		clients := make([]chain.ChainClient, 0, len(cc.RPCEndpoints))
		for _, endpoint := range cc.RPCEndpoints {
			client, err := ethrpc.Dial(ctx, cc.ChainID, endpoint, signer)
			if err != nil {
				return fmt.Errorf("dial chain %d endpoint %s: %w", cc.ChainID, endpoint, err)
			}
			clients = append(clients, client)
		}
		if len(clients) == 0 {
			return fmt.Errorf("chain %d has no rpc_endpoints configured", cc.ChainID)
		}
		registry.Register(chain.NewPool(cc.ChainID, clients...))
	}

	allowanceMgr := allowance.NewManager(st, registry,
		func(chainID uint64) *uint256.Int { return maxFeeFor(cfg, chainID) },
		func(chainID uint64) *uint256.Int { return priorityFeeFor(cfg, chainID) },
	)

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	b := batcher.New(st, allowanceMgr, func(chainID uint64) (batcher.ChainPolicy, error) {
		return batcherPolicy(cfg, chainID)
	}, m)
	e := executor.New(st, registry, func(chainID uint64) (executor.Policy, error) {
		return executorPolicy(cfg, chainID)
	})
	r := reconciler.New(st)

	serviceSleep := time.Duration(cfg.Engine.ServiceSleepSeconds) * time.Second
	if serviceSleep <= 0 {
		serviceSleep = 5 * time.Second
	}
	loop := service.New(st, b, e, r, m, service.Config{
		GatherTransactionsInterval:  serviceSleep,
		ProcessTransactionsInterval: time.Duration(cfg.Engine.ProcessSleepSeconds) * time.Second,
		FinishWhenDone:              c.Bool(oneshotFlag.Name),
	})

	accounts := signer.Addresses()
	api := httpapi.New(st, registry, cfg, loop, accounts)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(c.String(metricsAddrFlag.Name), nil); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
	go func() {
		if err := http.ListenAndServe(c.String(httpAddrFlag.Name), api.Router()); err != nil {
			logger.Error("http observer stopped", "err", err)
		}
	}()

	loop.Run(ctx)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func parsePrivateKeys(raw string) ([]*ecdsa.PrivateKey, error) {
	if raw == "" {
		return nil, nil
	}
	var keys []*ecdsa.PrivateKey
	for _, hex := range strings.Split(raw, ",") {
		hex = strings.TrimSpace(strings.TrimPrefix(hex, "0x"))
		if hex == "" {
			continue
		}
		key, err := crypto.HexToECDSA(hex)
		if err != nil {
			return nil, fmt.Errorf("bad private key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func parseAddressList(raw string) []common.Address {
	if raw == "" {
		return nil
	}
	var out []common.Address
	for _, a := range strings.Split(raw, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, common.HexToAddress(a))
	}
	return out
}

func gweiToWei(gwei float64) *uint256.Int {
	wei, _ := big.NewFloat(gwei * 1e9).Int(nil)
	v, overflow := uint256.FromBig(wei)
	if overflow {
		return new(uint256.Int)
	}
	return v
}

func chainConfigOrPanic(cfg *config.Config, chainID uint64) *config.ChainConfig {
	cc, ok := cfg.ChainByID(chainID)
	if !ok {
		panic(fmt.Sprintf("cmd/erc20payment: policy lookup for unconfigured chain %d — registry and config are out of sync", chainID))
	}
	return cc
}

func maxFeeFor(cfg *config.Config, chainID uint64) *uint256.Int {
	return gweiToWei(chainConfigOrPanic(cfg, chainID).MaxFeePerGasGwei)
}

func priorityFeeFor(cfg *config.Config, chainID uint64) *uint256.Int {
	return gweiToWei(chainConfigOrPanic(cfg, chainID).PriorityFeeGwei)
}

func batcherPolicy(cfg *config.Config, chainID uint64) (batcher.ChainPolicy, error) {
	cc, ok := cfg.ChainByID(chainID)
	if !ok {
		return batcher.ChainPolicy{}, fmt.Errorf("no configuration for chain %d", chainID)
	}
	policy := batcher.ChainPolicy{
		MaxFeePerGas: gweiToWei(cc.MaxFeePerGasGwei),
		PriorityFee:  gweiToWei(cc.PriorityFeeGwei),
	}
	if cc.MultiContract != nil {
		addr := common.HexToAddress(cc.MultiContract.Address)
		policy.MultiContract = &addr
		policy.MaxAtOnce = cc.MultiContract.MaxAtOnce
	}
	return policy, nil
}

func executorPolicy(cfg *config.Config, chainID uint64) (executor.Policy, error) {
	cc, ok := cfg.ChainByID(chainID)
	if !ok {
		return executor.Policy{}, fmt.Errorf("no configuration for chain %d", chainID)
	}
	return executor.Policy{
		ProcessSleep:        time.Duration(cfg.Engine.ProcessSleepSeconds) * time.Second,
		TransactionTimeout:  time.Duration(cc.TransactionTimeoutSec) * time.Second,
		ConfirmationBlocks:  cc.ConfirmationBlocks,
		GasLeftWarningLimit: cc.GasLeftWarningLimit,
	}, nil
}
