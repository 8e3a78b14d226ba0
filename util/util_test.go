package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple string", "test", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"},
		{"empty string", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.input); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("Version should not be empty")
	}
	if strings.ContainsAny(GetVersion(), "\n ") {
		t.Errorf("Version should be trimmed, got %q", GetVersion())
	}
}

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	if !strings.HasPrefix(result, Name+" / ") {
		t.Errorf("Expected prefix '%s / ', got '%s'", Name, result)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	kp, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	privBlock, _ := pem.Decode([]byte(kp.Private))
	if privBlock == nil || privBlock.Type != "RSA PRIVATE KEY" {
		t.Fatal("Private key should be an RSA PRIVATE KEY PEM block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		t.Fatalf("Private key should be PKCS1: %v", err)
	}

	pubBlock, _ := pem.Decode([]byte(kp.Public))
	if pubBlock == nil || pubBlock.Type != "PUBLIC KEY" {
		t.Fatal("Public key should be a PUBLIC KEY PEM block")
	}
	if _, err := x509.ParsePKIXPublicKey(pubBlock.Bytes); err != nil {
		t.Fatalf("Public key should be PKIX: %v", err)
	}
	if priv.N.BitLen() != 1024 {
		t.Errorf("Expected 1024 bit key, got %d", priv.N.BitLen())
	}
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	if !strings.Contains(out, "\"a\": 1") {
		t.Errorf("Unexpected output: %s", out)
	}
}
