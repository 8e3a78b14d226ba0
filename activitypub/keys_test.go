package activitypub

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/deemkeen/courier/domain"
)

func TestGetOrCreateKeysLocal(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localProfile(t, "alice")

	pub, priv, err := env.keys.GetOrCreateKeys(t.Context(), alice)
	if err != nil {
		t.Fatalf("GetOrCreateKeys failed: %v", err)
	}
	if pub == "" || priv == "" {
		t.Fatal("Expected both keys for a local profile")
	}

	key, err := ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("Generated private key does not parse: %v", err)
	}
	if key.N.BitLen() != 2048 {
		t.Errorf("Expected a 2048 bit key, got %d", key.N.BitLen())
	}
	if _, err := ParsePublicKey(pub); err != nil {
		t.Errorf("Generated public key does not parse: %v", err)
	}

	pub2, priv2, err := env.keys.GetOrCreateKeys(t.Context(), alice)
	if err != nil {
		t.Fatalf("Second GetOrCreateKeys failed: %v", err)
	}
	if pub2 != pub || priv2 != priv {
		t.Error("Expected stored keys on the second call")
	}

	// a local key pair is never replaced by a cached public key
	if err := env.keys.SetPublicKey(t.Context(), alice.Id, publicPEM(t, sharedTestKey(t))); err != nil {
		t.Fatalf("SetPublicKey failed: %v", err)
	}
	pub3, _, _ := env.keys.GetOrCreateKeys(t.Context(), alice)
	if pub3 != pub {
		t.Error("Local public key was overwritten")
	}
}

func TestGetOrCreateKeysRemote(t *testing.T) {
	env := newTestEnv(t)
	bob := &domain.Profile{Nickname: "bob"}
	if err := env.store.CreateProfile(bob); err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}

	_, _, err := env.keys.GetOrCreateKeys(t.Context(), bob)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError for a remote profile without key, got %v", err)
	}

	pem := publicPEM(t, sharedTestKey(t))
	if err := env.keys.SetPublicKey(t.Context(), bob.Id, pem); err != nil {
		t.Fatalf("SetPublicKey failed: %v", err)
	}
	pub, priv, err := env.keys.GetOrCreateKeys(t.Context(), bob)
	if err != nil {
		t.Fatalf("GetOrCreateKeys failed: %v", err)
	}
	if pub != pem {
		t.Error("Expected the cached public key")
	}
	if priv != "" {
		t.Error("Remote profiles must never get a private key")
	}

	if _, err := env.keys.PrivateKey(t.Context(), bob); !errors.Is(err, ErrServer) {
		t.Errorf("Expected ServerError signing as a remote profile, got %v", err)
	}
}

func TestSetPublicKeyRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	bob := &domain.Profile{Nickname: "bob"}
	env.store.CreateProfile(bob)

	err := env.keys.SetPublicKey(t.Context(), bob.Id, "not a key")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestParseKeyEncodings(t *testing.T) {
	key := sharedTestKey(t)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
	}
	parsed, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})))
	if err != nil {
		t.Fatalf("PKCS#8 key not accepted: %v", err)
	}
	if !parsed.Equal(key) {
		t.Error("PKCS#8 key parsed to a different key")
	}

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	pub, err := ParsePublicKey(string(pkcs1))
	if err != nil {
		t.Fatalf("PKCS#1 public key not accepted: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("PKCS#1 public key parsed to a different key")
	}

	if _, err := ParsePrivateKey("garbage"); err == nil {
		t.Error("Expected an error for garbage")
	}
}
