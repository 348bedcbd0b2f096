// Package apikey generates bridge API keys.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
)

// EnvVar is the variable the bridge reads its API key from.
const EnvVar = "BROWSER_BRIDGE_API_KEY"

// Config holds configuration for API key generation.
type Config struct {
	Bytes int
	// Raw prints the bare key instead of an env assignment.
	Raw bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (default: 32)")
	fs.BoolVar(&cfg.Raw, "raw", cfg.Raw, "print only the key")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Generate returns a URL-safe key built from n random bytes of reader.
func Generate(n int, reader io.Reader) (string, error) {
	if n <= 0 {
		return "", errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Run generates the key and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	key, err := Generate(cfg.Bytes, reader)
	if err != nil {
		return err
	}
	if cfg.Raw {
		_, err = fmt.Fprintln(out, key)
		return err
	}
	_, err = fmt.Fprintf(out, "%s=%s\n", EnvVar, key)
	return err
}
