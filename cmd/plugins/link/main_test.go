package main

import "testing"

func TestConfig(t *testing.T) {
	cfg := config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid plugin config: %v", err)
	}
	if cfg.Name != "link" {
		t.Errorf("unexpected plugin name %q", cfg.Name)
	}
}
