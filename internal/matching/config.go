package matching

import (
	"encoding/binary"
	"fmt"
	"time"

	"BlindMatch/internal/guard"
)

const (
	// DefaultThreshold is the normalized score at which a fee is retained.
	DefaultThreshold = 70

	// DefaultCallbackTimeout is the window for the decryption callback.
	DefaultCallbackTimeout = 2 * time.Hour

	// MinCallbackTimeout is the shortest configurable callback window.
	MinCallbackTimeout = 10 * time.Minute

	// MaxCallbackTimeout is the longest configurable callback window.
	MaxCallbackTimeout = 24 * time.Hour

	// Selector names the callback entry point the gateway routes results to.
	Selector = "matching.HandleCallback"
)

// keyConfig holds the operator overrides: [1B threshold][8B timeout ns].
var keyConfig = []byte("m:matching-config")

// Config is the operator configuration. Fee is fixed per deployment; the
// threshold and timeout can be changed by the owner and only affect requests
// created afterwards.
type Config struct {
	Fee             uint64        // Fee is the exact amount a request must pay
	Threshold       uint8         // Threshold is the minimum normalized score to retain the fee
	CallbackTimeout time.Duration // CallbackTimeout is added to the creation time to form the deadline
}

// DefaultConfig returns the default configuration for fee.
func DefaultConfig(fee uint64) Config {
	return Config{
		Fee:             fee,
		Threshold:       DefaultThreshold,
		CallbackTimeout: DefaultCallbackTimeout,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.Fee == 0 {
		return fmt.Errorf("%w: fee must be positive", guard.ErrValidation)
	}

	if err := validateThreshold(c.Threshold); err != nil {
		return err
	}

	return validateTimeout(c.CallbackTimeout)
}

func validateThreshold(t uint8) error {
	if t > 100 {
		return fmt.Errorf("%w: threshold %d out of range [0, 100]", guard.ErrValidation, t)
	}

	return nil
}

func validateTimeout(d time.Duration) error {
	if d < MinCallbackTimeout || d > MaxCallbackTimeout {
		return fmt.Errorf("%w: callback timeout %s out of range [%s, %s]", guard.ErrValidation, d, MinCallbackTimeout, MaxCallbackTimeout)
	}

	return nil
}

func encodeOverrides(c Config) []byte {
	buf := make([]byte, 9)
	buf[0] = c.Threshold
	binary.BigEndian.PutUint64(buf[1:], uint64(c.CallbackTimeout))

	return buf
}

// applyOverrides replaces the threshold and timeout of c with stored values.
func applyOverrides(c Config, data []byte) (Config, error) {
	if len(data) != 9 {
		return c, fmt.Errorf("stored config must be 9 bytes, got %d", len(data))
	}

	c.Threshold = data[0]
	c.CallbackTimeout = time.Duration(binary.BigEndian.Uint64(data[1:]))

	return c, c.Validate()
}
