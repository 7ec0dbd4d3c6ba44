package ras

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero value", config: Config{}},
		{name: "https ntfy", config: Config{NtfyServerURL: "https://ntfy.example.com"}},
		{name: "http ntfy", config: Config{NtfyServerURL: "http://10.0.0.1:8080"}},
		{name: "bad scheme", config: Config{NtfyServerURL: "ftp://ntfy.example.com"}, wantErr: true},
		{name: "not a url", config: Config{NtfyServerURL: "::"}, wantErr: true},
		{name: "negative direct timeout", config: Config{DirectTimeout: -time.Second}, wantErr: true},
		{name: "negative attempt timeout", config: Config{AttemptTimeout: -time.Second}, wantErr: true},
		{name: "negative recovery timeout", config: Config{RecoveryTimeout: -time.Second}, wantErr: true},
		{name: "vpn port out of range", config: Config{VPNCandidatePort: 70000}, wantErr: true},
		{name: "vpn port max", config: Config{VPNCandidatePort: 65535}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.config.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	config := Config{}.withDefaults()
	if config.NtfyServerURL == "" {
		t.Error("expected default ntfy server URL")
	}
	if config.SignalPath != DefaultSignalPath {
		t.Errorf("SignalPath = %q, want %q", config.SignalPath, DefaultSignalPath)
	}
	if config.DirectTimeout != DefaultDirectTimeout {
		t.Errorf("DirectTimeout = %v, want %v", config.DirectTimeout, DefaultDirectTimeout)
	}
	if config.AttemptTimeout != DefaultAttemptTimeout {
		t.Errorf("AttemptTimeout = %v, want %v", config.AttemptTimeout, DefaultAttemptTimeout)
	}
	if config.Random == nil || config.Clock == nil {
		t.Error("expected default random and clock sources")
	}
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewClient(Config{NtfyServerURL: "ftp://x"}); err == nil {
		t.Fatal("expected error for invalid config")
	}
}
