package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the long-term Ed25519 signing identity of this node.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity loads the identity keypair from disk, generating and
// persisting one on first run. A missing or stale public key file is
// rewritten from the private key.
func LoadOrCreateIdentity(privatePath, publicPath string) (Identity, error) {
	raw, err := readPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return Identity{}, err
			}
		}
		return Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return Identity{}, err
	}
	if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return Identity{}, err
	}

	return Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// Sign signs data with the identity private key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Fingerprint returns the identity public key fingerprint.
func (id Identity) Fingerprint() string {
	return KeyFingerprint(id.PublicKey)
}

// Verify checks an Ed25519 signature. Malformed inputs fail verification.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in uppercase blocks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func readPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", path)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", path, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
