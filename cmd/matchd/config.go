package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"BlindMatch/internal/keeper"
	"BlindMatch/internal/matching"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// GatewayAddress is the QUIC address of the decryption gateway.
	// With DevGateway the embedded gateway listens on it.
	GatewayAddress string

	// GatewayKey is the hex ed25519 identity of an external gateway.
	GatewayKey string

	// CommitteePath lists the gateway committee's hex BLS public keys, one per line.
	CommitteePath string

	// CommitteeSeed is the hex seed the dev committee keys are derived from.
	CommitteeSeed string

	// CommitteeSize is the number of dev committee members.
	CommitteeSize int

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 key. It identifies the node on the
	// gateway link and signs timeout claims as the keeper.
	PrivateKey ed25519.PrivateKey

	// Owner is the hex principal allowed to withdraw, pause and configure.
	// Empty means the node key.
	Owner string

	// SealKey is the hex key of the development FHE backend. Empty derives it
	// from the node key.
	SealKey string

	// Fee is the exact amount every request pays.
	Fee uint64

	// Threshold is the normalized score at which the fee is retained.
	Threshold uint

	// CallbackTimeout is how long a request waits for its decryption result.
	CallbackTimeout time.Duration

	// KeeperInterval is the time between timeout sweeps. Zero disables the keeper.
	KeeperInterval time.Duration

	// ConnectTimeout bounds the initial gateway dial retries.
	ConnectTimeout time.Duration

	// DevGateway runs a local gateway with a derived committee.
	DevGateway bool

	// DevDelay is how long the dev gateway waits before answering.
	DevDelay time.Duration

	// RateLimit is the allowed requests per second per API client.
	RateLimit float64

	// RateBurst is the API burst per client.
	RateBurst int

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.GatewayAddress, "gateway", "127.0.0.1:9400", "Decryption gateway QUIC address")
	flag.StringVar(&cfg.GatewayKey, "gateway-key", "", "Gateway ed25519 public key (hex)")
	flag.StringVar(&cfg.CommitteePath, "committee", "", "File of committee BLS public keys (hex, one per line)")
	flag.StringVar(&cfg.CommitteeSeed, "committee-seed", "", "Dev committee seed (hex, 32 bytes)")
	flag.IntVar(&cfg.CommitteeSize, "committee-size", 4, "Dev committee size")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.Owner, "owner", "", "Owner principal (hex, defaults to the node key)")
	flag.StringVar(&cfg.SealKey, "seal-key", "", "Dev FHE sealing key (hex, 32 bytes)")
	flag.Uint64Var(&cfg.Fee, "fee", 1000, "Matching fee")
	flag.UintVar(&cfg.Threshold, "threshold", matching.DefaultThreshold, "Score threshold for retaining the fee")
	flag.DurationVar(&cfg.CallbackTimeout, "callback-timeout", matching.DefaultCallbackTimeout, "Decryption callback window")
	flag.DurationVar(&cfg.KeeperInterval, "keeper-interval", keeper.DefaultInterval, "Timeout sweep interval (0 disables)")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", time.Minute, "Initial gateway connection timeout")
	flag.BoolVar(&cfg.DevGateway, "dev-gateway", false, "Run an embedded development gateway")
	flag.DurationVar(&cfg.DevDelay, "dev-delay", 2*time.Second, "Dev gateway answer delay")
	flag.Float64Var(&cfg.RateLimit, "rate", 20, "API requests per second per client (0 disables)")
	flag.IntVar(&cfg.RateBurst, "burst", 40, "API burst per client")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}

// validate checks flag combinations that cannot work.
func (c *Config) validate() error {
	if c.Threshold > 100 {
		return fmt.Errorf("threshold %d out of range [0, 100]", c.Threshold)
	}

	if c.DevGateway {
		return nil
	}

	if c.GatewayKey == "" || c.CommitteePath == "" {
		return fmt.Errorf("an external gateway needs -gateway-key and -committee (or use -dev-gateway)")
	}

	return nil
}

// matchingConfig returns the engine configuration from the flags.
func (c *Config) matchingConfig() matching.Config {
	cfg := matching.DefaultConfig(c.Fee)
	cfg.Threshold = uint8(c.Threshold)
	cfg.CallbackTimeout = c.CallbackTimeout

	return cfg
}

// decodeHex32 parses a 32-byte hex value.
func decodeHex32(name, s string) ([32]byte, error) {
	var out [32]byte

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("%s must be 32 bytes of hex", name)
	}

	copy(out[:], raw)

	return out, nil
}

// readCommittee loads hex BLS public keys, skipping blank lines and # comments.
func readCommittee(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open committee file:\n%w", err)
	}
	defer f.Close()

	var keys [][]byte

	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("committee line %d is not hex", line)
		}

		keys = append(keys, key)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read committee file:\n%w", err)
	}

	return keys, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
