package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/google/uuid"
)

// KeyStore hands out the signing material of local actors, generating it on
// first use, and caches the public keys of remote ones.
type KeyStore struct {
	store KeyPairStore
	// Bits is the modulus size used for new local keys.
	Bits int
}

func NewKeyStore(store KeyPairStore) *KeyStore {
	return &KeyStore{store: store, Bits: util.RsaKeyBits}
}

// GetOrCreateKeys returns the PEM encoded public and private key of profile.
// Local profiles get a key pair generated on first call; remote profiles
// never do and yield a NotFoundError until SetPublicKey caches one.
func (k *KeyStore) GetOrCreateKeys(ctx context.Context, profile *domain.Profile) (string, string, error) {
	kp, err := k.store.ReadKeyPair(profile.Id)
	switch {
	case err == nil:
		return kp.PublicKey, kp.PrivateKey, nil
	case !errors.Is(err, db.ErrNotFound):
		return "", "", serverError("reading key pair", err)
	case !profile.Local:
		return "", "", notFound("public key of "+profile.Id.String(), err)
	}

	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	pair, err := util.GeneratePemKeypair(k.Bits)
	if err != nil {
		return "", "", serverError("cannot establish identity", err)
	}
	kp, err = domain.NewKeyPair(profile.Id, pair.Public, pair.Private)
	if err != nil {
		return "", "", serverError("cannot establish identity", err)
	}

	err = k.store.CreateKeyPair(kp)
	if errors.Is(err, db.ErrKeyExists) {
		// someone else generated first; theirs is the one that counts
		stored, rerr := k.store.ReadKeyPair(profile.Id)
		if rerr != nil {
			return "", "", serverError("cannot establish identity", rerr)
		}
		return stored.PublicKey, stored.PrivateKey, nil
	}
	if err != nil {
		return "", "", serverError("cannot establish identity", err)
	}
	return kp.PublicKey, kp.PrivateKey, nil
}

// SetPublicKey caches the public key of a remote actor, inserting or
// replacing the stored one.
func (k *KeyStore) SetPublicKey(ctx context.Context, profileId uuid.UUID, publicKeyPem string) error {
	if _, err := ParsePublicKey(publicKeyPem); err != nil {
		return invalid("public key of %s: %v", profileId, err)
	}
	if err := k.store.UpsertPublicKey(profileId, publicKeyPem); err != nil {
		return serverError("storing public key", err)
	}
	return nil
}

// PrivateKey returns the parsed signing key of a local profile.
func (k *KeyStore) PrivateKey(ctx context.Context, profile *domain.Profile) (*rsa.PrivateKey, error) {
	_, priv, err := k.GetOrCreateKeys(ctx, profile)
	if err != nil {
		return nil, err
	}
	if priv == "" {
		return nil, serverError("cannot establish identity", fmt.Errorf("profile %s has no private key", profile.Id))
	}
	key, err := ParsePrivateKey(priv)
	if err != nil {
		return nil, serverError("cannot establish identity", err)
	}
	return key, nil
}

// PublicKey returns the parsed public key of any profile.
func (k *KeyStore) PublicKey(ctx context.Context, profile *domain.Profile) (*rsa.PublicKey, error) {
	pub, _, err := k.GetOrCreateKeys(ctx, profile)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(pub)
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey. Both PKCS#1 and
// PKCS#8 encodings are accepted.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. PKIX is what actor
// documents carry; PKCS#1 ("RSA PUBLIC KEY") shows up on older servers.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
