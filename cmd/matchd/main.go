package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"BlindMatch/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level)

	if err := cfg.validate(); err != nil {
		return err
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting BlindMatch node",
		"pubkey", hex.EncodeToString(pubKey),
		"owner", n.owner.Hex(),
		"http", cfg.HTTPAddress,
		"gateway", cfg.GatewayAddress,
		"data", cfg.DataPath,
		"dev_gateway", cfg.DevGateway,
	)

	c := n.machine.Config()
	logger.Info("matching configuration",
		"fee", c.Fee,
		"threshold", c.Threshold,
		"callback_timeout", c.CallbackTimeout,
		"keeper_interval", cfg.KeeperInterval,
	)
}
