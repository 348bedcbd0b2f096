package otel

import (
	"strings"
	"testing"
)

func TestSamplerRatio(t *testing.T) {
	if got := sampler("").Description(); got != "AlwaysOnSampler" {
		t.Fatalf("empty ratio sampler = %q", got)
	}
	if got := sampler("1.5").Description(); got != "AlwaysOnSampler" {
		t.Fatalf("out of range ratio sampler = %q", got)
	}
	if got := sampler("0.25").Description(); !strings.Contains(got, "TraceIDRatioBased") {
		t.Fatalf("ratio sampler = %q", got)
	}
}
