package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/zulnabil/millow/config"
	"github.com/zulnabil/millow/core"
	"github.com/zulnabil/millow/crypto"
	"github.com/zulnabil/millow/observability/logging"
	"github.com/zulnabil/millow/rpc"
	"github.com/zulnabil/millow/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MILLOW_ENV"))
	logger := logging.Setup("millowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	roles, err := resolveRoles(cfg)
	if err != nil {
		logger.Error("Failed to resolve role addresses", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, roles, logger)
	if err != nil {
		logger.Error("Failed to start node", slog.Any("error", err))
		os.Exit(1)
	}

	alloc, err := resolveAlloc(cfg)
	if err != nil {
		logger.Error("Failed to parse genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}
	if err := node.ApplyGenesis(alloc); err != nil {
		logger.Error("Failed to apply genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}

	for _, module := range cfg.Paused {
		node.SetModulePaused(strings.TrimSpace(module), true)
	}

	logger.Info("node initialized",
		slog.String("network", cfg.NetworkName),
		slog.String("seller", cfg.Seller),
		slog.String("inspector", cfg.Inspector),
		slog.String("lender", cfg.Lender),
	)

	server := rpc.NewServer(node)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveRoles(cfg *config.Config) (core.Roles, error) {
	seller, err := config.RoleAddress(cfg.Seller)
	if err != nil {
		return core.Roles{}, err
	}
	inspector, err := config.RoleAddress(cfg.Inspector)
	if err != nil {
		return core.Roles{}, err
	}
	lender, err := config.RoleAddress(cfg.Lender)
	if err != nil {
		return core.Roles{}, err
	}
	return core.Roles{Seller: seller, Inspector: inspector, Lender: lender}, nil
}

func resolveAlloc(cfg *config.Config) (map[[20]byte]*big.Int, error) {
	alloc := make(map[[20]byte]*big.Int, len(cfg.Alloc))
	for addrStr, amountStr := range cfg.Alloc {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(addrStr))
		if err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(amountStr), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid allocation amount %q for %s", amountStr, addrStr)
		}
		alloc[addr.Raw()] = amount
	}
	return alloc, nil
}
