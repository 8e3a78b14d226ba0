package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestConfigConstants(t *testing.T) {
	if Name != "courier" {
		t.Errorf("Expected Name 'courier', got '%s'", Name)
	}
	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfFromYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 0.0.0.0
  httpPort: 8080
  sslDomain: social.example
  withAp: true
  deliveryWorkers: 8
  adminKeys:
    - ssh-ed25519 AAAA admin
`)

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}

	if config.Conf.Host != "0.0.0.0" {
		t.Errorf("Expected Host '0.0.0.0', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080, got %d", config.Conf.HttpPort)
	}
	if config.Conf.DeliveryWorkers != 8 {
		t.Errorf("Expected DeliveryWorkers 8, got %d", config.Conf.DeliveryWorkers)
	}
	if len(config.Conf.AdminKeys) != 1 {
		t.Errorf("Expected 1 admin key, got %d", len(config.Conf.AdminKeys))
	}
	// unset keys keep the embedded defaults
	if config.Conf.MaxCollectionPages != 64 {
		t.Errorf("Expected default MaxCollectionPages 64, got %d", config.Conf.MaxCollectionPages)
	}
	if config.BaseURL() != "https://social.example" {
		t.Errorf("Expected BaseURL 'https://social.example', got '%s'", config.BaseURL())
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: false
`)

	t.Setenv("COURIER_HOST", "192.168.1.1")
	t.Setenv("COURIER_HTTPPORT", "8080")
	t.Setenv("COURIER_SSLDOMAIN", "test.example.com")
	t.Setenv("COURIER_WITH_AP", "true")
	t.Setenv("COURIER_ADMIN_KEYS", "key-a;key-b")

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.SslDomain != "test.example.com" {
		t.Errorf("Expected SslDomain 'test.example.com' from env, got '%s'", config.Conf.SslDomain)
	}
	if !config.Conf.WithAp {
		t.Error("Expected WithAp to be true from env")
	}
	if len(config.Conf.AdminKeys) != 2 {
		t.Errorf("Expected 2 admin keys from env, got %d", len(config.Conf.AdminKeys))
	}
}

func TestReadConfInvalidPortEnvKeepsYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  httpPort: 9999
`)
	t.Setenv("COURIER_HTTPPORT", "not_a_number")

	config, err := ReadConfFrom(path)
	if err != nil {
		t.Fatalf("ReadConfFrom failed: %v", err)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999 from yaml, got %d", config.Conf.HttpPort)
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`)

	if _, err := ReadConfFrom(path); err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestReadConfFromMissingFile(t *testing.T) {
	if _, err := ReadConfFrom(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error when config file is missing")
	}
}

func TestDurations(t *testing.T) {
	config := &AppConfig{}
	if config.HTTPTimeout() != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", config.HTTPTimeout())
	}
	config.Conf.HttpTimeout = 3
	if config.HTTPTimeout() != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %v", config.HTTPTimeout())
	}
	config.Conf.CacheTTL = 60
	if config.CacheTTL() != time.Minute {
		t.Errorf("Expected cache TTL 1m, got %v", config.CacheTTL())
	}
}

func TestUserAgentString(t *testing.T) {
	config := &AppConfig{}
	config.Conf.SslDomain = "example.com"
	ua := config.UserAgentString()
	if ua != "courier/"+GetVersion()+" (+https://example.com)" {
		t.Errorf("Unexpected user agent '%s'", ua)
	}
}
