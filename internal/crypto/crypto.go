// Package crypto provides the small crypto helpers the dispatcher needs:
// random shared secrets for the log broker and ED25519 SSH keypairs for
// worker provisioning.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateSecret returns a hex-encoded random secret of 2n characters.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// KeyPair is a generated SSH keypair in serialized form.
type KeyPair struct {
	// PrivatePEM is the OpenSSH PEM encoding of the private key.
	PrivatePEM []byte
	// AuthorizedKey is the single-line authorized_keys form of the public
	// key, comment included, newline-terminated.
	AuthorizedKey []byte
	// Comment is the public key comment.
	Comment string
}

// GenerateKeyPair creates a fresh ED25519 keypair with the given comment.
func GenerateKeyPair(comment string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	authorized := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if comment != "" {
		authorized += " " + comment
	}
	authorized += "\n"

	return &KeyPair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: []byte(authorized),
		Comment:       comment,
	}, nil
}

// WriteKeyPair writes the keypair to <dir>/<name>.id (0600) and
// <dir>/<name>.pub (0644) and returns the two paths.
func WriteKeyPair(kp *KeyPair, dir, name string) (privatePath, publicPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create key dir: %w", err)
	}
	privatePath = filepath.Join(dir, name+".id")
	publicPath = filepath.Join(dir, name+".pub")

	if err := os.WriteFile(privatePath, kp.PrivatePEM, 0600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, kp.AuthorizedKey, 0644); err != nil {
		os.Remove(privatePath)
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}

// RemoveKeyPair deletes both halves of a written keypair, best effort.
func RemoveKeyPair(privatePath string) {
	if privatePath == "" {
		return
	}
	os.Remove(privatePath)
	os.Remove(strings.TrimSuffix(privatePath, ".id") + ".pub")
}
