package main

import (
	"testing"

	"github.com/nodefleet/minibus/internal/config"
	"github.com/nodefleet/minibus/pkg/bus/codec"
)

func TestPreferredCodecsLeadsWithFormat(t *testing.T) {
	cfg := config.Config{
		Serialization: config.Serialization{
			Format:    "cbor",
			Supported: []string{"json", "cbor"},
		},
	}
	got := preferredCodecs(cfg)
	if len(got) != 2 || got[0] != codec.CBOR || got[1] != codec.JSON {
		t.Fatalf("unexpected preferred codec order: %v", got)
	}
}

func TestMulticastGroupOnlySetInMulticastMode(t *testing.T) {
	cfg := config.Config{Discovery: config.Discovery{Mode: "broadcast", Address: "239.255.0.1"}}
	if got := multicastGroup(cfg); got != "" {
		t.Fatalf("expected empty multicast group in broadcast mode, got %q", got)
	}
	cfg.Discovery.Mode = "multicast"
	if got := multicastGroup(cfg); got != "239.255.0.1" {
		t.Fatalf("expected multicast group address, got %q", got)
	}
}
