package apikey

import (
	"bytes"
	"flag"
	"fmt"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 32 || cfg.Raw {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseConfigOverride(t *testing.T) {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-bytes", "16", "-raw"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 16 || !cfg.Raw {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigBadArgs(t *testing.T) {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := ParseConfig(fs, []string{"-invalid"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunRejectsInvalidBytes(t *testing.T) {
	if err := Run(Config{Bytes: 0}, &bytes.Buffer{}, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for non-positive bytes")
	}
}

func TestRunWritesEnvAssignment(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader([]byte{0xfb, 0xff, 0x01})
	if err := Run(Config{Bytes: 3}, buf, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "BROWSER_BRIDGE_API_KEY=-_8B" {
		t.Fatalf("expected env output, got %q", got)
	}
}

func TestRunRaw(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Bytes: 3, Raw: true}, buf, bytes.NewReader([]byte{1, 2, 3})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "AQID" {
		t.Fatalf("expected raw key, got %q", got)
	}
}

func TestRunNilOutput(t *testing.T) {
	if err := Run(Config{Bytes: 4}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestGenerateDefaultReader(t *testing.T) {
	key, err := Generate(32, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 43 {
		t.Fatalf("expected 43 chars, got %d: %q", len(key), key)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, fmt.Errorf("read error") }

func TestRunReaderError(t *testing.T) {
	if err := Run(Config{Bytes: 4}, &bytes.Buffer{}, errReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
}
