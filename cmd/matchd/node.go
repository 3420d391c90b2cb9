package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"BlindMatch/internal/accounts"
	"BlindMatch/internal/api"
	"BlindMatch/internal/events"
	"BlindMatch/internal/fhe"
	"BlindMatch/internal/gateway"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/keeper"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/matching"
	"BlindMatch/internal/network"
	"BlindMatch/internal/registry"
	"BlindMatch/internal/router"
	"BlindMatch/internal/snapshot"
	"BlindMatch/internal/storage"
)

// Node represents a running matching node.
type Node struct {
	cfg      *Config
	storage  *storage.Storage
	engine   *fhe.Local
	journal  *events.Journal
	accounts *accounts.Book
	ledger   *ledger.Ledger
	registry *registry.Store
	machine  *matching.Machine
	keeper   *keeper.Sweeper
	api      *api.Server

	network   *network.Node     // network is the link to the gateway
	gateway   *gateway.Client   // gateway submits decryption requests
	gwKey     ed25519.PublicKey // gwKey is the gateway identity
	gwAddr    string            // gwAddr is the address dialed for the gateway
	committee *gateway.Committee

	devNode    *network.Node    // devNode is the embedded gateway's end of the link
	devGateway *gateway.Service // devGateway answers decryption requests locally

	owner guard.Principal
	self  guard.Principal // self is the node key, used as the keeper principal
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}
	copy(n.self[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	n.owner = n.self
	if cfg.Owner != "" {
		owner, err := guard.ParsePrincipal(cfg.Owner)
		if err != nil {
			return nil, fmt.Errorf("owner:\n%w", err)
		}
		n.owner = owner
	}

	steps := []func() error{
		n.initStorage,
		n.initEngine,
		n.initGateway,
		n.initMatching,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initEngine opens the development FHE backend.
func (n *Node) initEngine() error {
	key := blake3.Sum256(append([]byte("blindmatch-seal"), n.cfg.PrivateKey.Seed()...))

	if n.cfg.SealKey != "" {
		var err error
		if key, err = decodeHex32("seal key", n.cfg.SealKey); err != nil {
			return err
		}
	} else {
		logger.Warn("sealing key derived from the node key", "key", hex.EncodeToString(key[:]))
	}

	engine, err := fhe.NewLocal(n.storage, key)
	if err != nil {
		return fmt.Errorf("init fhe engine:\n%w", err)
	}

	n.engine = engine

	return nil
}

// initGateway sets up the committee verifier and the link to the gateway.
// In dev mode the gateway runs in process with a derived committee.
func (n *Node) initGateway() error {
	n.gwAddr = n.cfg.GatewayAddress

	if n.cfg.DevGateway {
		if err := n.initDevGateway(); err != nil {
			return err
		}
	} else {
		if err := n.initExternalGateway(); err != nil {
			return err
		}
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		Allowed:    []ed25519.PublicKey{n.gwKey},
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node
	n.gateway = gateway.NewClient(node, n.gwKey)

	return nil
}

func (n *Node) initExternalGateway() error {
	gwKey, err := network.ParsePublicKey(n.cfg.GatewayKey)
	if err != nil {
		return fmt.Errorf("gateway key:\n%w", err)
	}
	n.gwKey = gwKey

	keys, err := readCommittee(n.cfg.CommitteePath)
	if err != nil {
		return err
	}

	if n.committee, err = gateway.NewCommittee(keys); err != nil {
		return fmt.Errorf("init committee:\n%w", err)
	}

	return nil
}

func (n *Node) initDevGateway() error {
	seed := blake3.Sum256(append([]byte("blindmatch-committee"), n.cfg.PrivateKey.Seed()...))

	if n.cfg.CommitteeSeed != "" {
		var err error
		if seed, err = decodeHex32("committee seed", n.cfg.CommitteeSeed); err != nil {
			return err
		}
	}

	keys, err := gateway.DeriveCommittee(seed[:], n.cfg.CommitteeSize)
	if err != nil {
		return fmt.Errorf("derive committee:\n%w", err)
	}

	signers := gateway.NewSigners(keys)

	if n.committee, err = signers.Committee(); err != nil {
		return fmt.Errorf("init committee:\n%w", err)
	}

	gwPub, gwPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate gateway key:\n%w", err)
	}
	n.gwKey = gwPub

	dev, err := network.NewNode(network.Config{
		PrivateKey: gwPriv,
		ListenAddr: n.cfg.GatewayAddress,
		Allowed:    []ed25519.PublicKey{ed25519.PublicKey(n.self[:])},
	})
	if err != nil {
		return fmt.Errorf("init dev gateway network:\n%w", err)
	}

	if err := dev.Start(); err != nil {
		dev.Close()
		return fmt.Errorf("start dev gateway:\n%w", err)
	}

	n.devNode = dev
	n.gwAddr = dev.Addr()
	n.devGateway = gateway.NewService(dev, n.engine, signers, gateway.WithDelay(n.cfg.DevDelay))

	logger.Info("dev gateway listening",
		"addr", dev.Addr(),
		"committee", n.committee.Size(),
		"quorum", n.committee.Quorum(),
	)

	return nil
}

// initMatching wires the registry, ledger and state machine over storage.
func (n *Node) initMatching() error {
	journal, err := events.NewJournal(n.storage)
	if err != nil {
		return fmt.Errorf("init journal:\n%w", err)
	}
	n.journal = journal

	n.accounts = accounts.New(n.storage)

	if n.ledger, err = ledger.New(n.storage, n.accounts, n.owner, journal); err != nil {
		return fmt.Errorf("init ledger:\n%w", err)
	}

	if n.registry, err = registry.New(n.storage, n.engine, n.ledger, journal); err != nil {
		return fmt.Errorf("init registry:\n%w", err)
	}

	rt := router.New(n.storage, n.engine, n.gateway)

	n.machine, err = matching.New(n.storage, n.registry, n.engine, rt, n.ledger, n.committee, journal, n.cfg.matchingConfig())
	if err != nil {
		return fmt.Errorf("init matching:\n%w", err)
	}

	n.gateway.Handle(matching.Selector, n.machine.HandleCallback)

	if n.cfg.KeeperInterval > 0 {
		n.keeper = keeper.New(n.machine, n.self, keeper.WithInterval(n.cfg.KeeperInterval))
	}

	return nil
}

// Run connects to the gateway, starts serving and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.connectGateway(); err != nil {
		n.Close()
		return err
	}

	n.api = api.New(n.cfg.HTTPAddress, api.Backend{
		Registry: n.registry,
		Matcher:  n.machine,
		Ledger:   n.ledger,
		Accounts: n.accounts,
		Journal:  n.journal,
		Export: func(at time.Time) ([]byte, error) {
			return snapshot.Export(n.storage, at)
		},
	}, api.WithRateLimit(n.cfg.RateLimit, n.cfg.RateBurst))

	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	if n.keeper != nil {
		n.keeper.Start()
	}

	return n.waitForShutdown()
}

// connectGateway dials the gateway, retrying with backoff for ConnectTimeout.
// Once connected, the network layer redials on its own.
func (n *Node) connectGateway() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = n.cfg.ConnectTimeout

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ConnectTimeout)
	defer cancel()

	op := func() error {
		_, err := n.network.Connect(ctx, n.gwAddr)
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("gateway not reachable", "addr", n.gwAddr, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("connect gateway:\n%w", err)
	}

	logger.Info("connected to gateway", "addr", n.gwAddr)

	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.keeper != nil {
		n.keeper.Stop()
	}

	if n.devGateway != nil {
		n.devGateway.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.devNode != nil {
		n.devNode.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
