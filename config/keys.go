package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/privateshare/node/xerr"
)

const pemBlockType = "PRIVATE KEY"
const pemPublicBlockType = "PUBLIC KEY"

// LoadIdentity reads the node's ed25519 keypair from PKCS#8 PEM files. See
// spec §6 "secret.pem, public.pem".
func LoadIdentity(secretPath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	secret, err := loadPrivateKey(secretPath)
	if err != nil {
		return nil, nil, err
	}
	public, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, nil, err
	}
	return secret, public, nil
}

// GenerateIdentity creates a fresh ed25519 keypair and writes it to
// secretPath/publicPath as PKCS#8 PEM. Supplements the spec'd "load" path
// for a brand-new node with no keys yet (see SPEC_FULL.md).
func GenerateIdentity(secretPath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, xerr.Wrapf(xerr.Other, "generate ed25519 key", err)
	}
	if err := savePrivateKey(secretPath, priv); err != nil {
		return nil, nil, err
	}
	if err := savePublicKey(publicPath, pub); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "read secret key", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerr.Wrap(xerr.InvalidData, "secret key is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "parse PKCS8 secret key", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, xerr.Wrap(xerr.InvalidData, "secret key is not ed25519")
	}
	return priv, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "read public key", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerr.Wrap(xerr.InvalidData, "public key is not valid PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, xerr.Wrapf(xerr.InvalidData, "parse PKIX public key", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, xerr.Wrap(xerr.InvalidData, "public key is not ed25519")
	}
	return pub, nil
}

func savePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return xerr.Wrapf(xerr.Other, "marshal secret key", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}), 0o600)
}

func savePublicKey(path string, key ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return xerr.Wrapf(xerr.Other, "marshal public key", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: pemPublicBlockType, Bytes: der}), 0o644)
}

// PreSharedKey reduces the configured pre-shared-key string to the 32-byte
// value enforced at transport handshake. See spec §6 "Pre-shared key".
func PreSharedKey(configured string) [32]byte {
	return sha256.Sum256([]byte(configured))
}
