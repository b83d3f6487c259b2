package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// KeyPair is the server's own login key.
type KeyPair struct {
	PrivateKeyPath string

	// AuthorizedKey is the public key in authorized_keys format.
	AuthorizedKey string

	Signer ssh.Signer
}

// EnsureKeyPair loads the ed25519 key at dir/name or generates it.
func EnsureKeyPair(dir, name string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}

	privateKeyPath := filepath.Join(dir, name)
	publicKeyPath := privateKeyPath + ".pub"

	if _, err := os.Stat(privateKeyPath); err == nil {
		pubKeyBytes, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		signer, err := LoadSigner(privateKeyPath, "")
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			PrivateKeyPath: privateKeyPath,
			AuthorizedKey:  string(pubKeyBytes),
			Signer:         signer,
		}, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	authorized := string(ssh.MarshalAuthorizedKey(sshPubKey))
	if err := os.WriteFile(publicKeyPath, []byte(authorized), 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	log.Info().
		Str("private_key", privateKeyPath).
		Str("public_key", publicKeyPath).
		Msg("Generated new SSH keypair")

	return &KeyPair{
		PrivateKeyPath: privateKeyPath,
		AuthorizedKey:  authorized,
		Signer:         signer,
	}, nil
}

// LoadSigner parses a private key file.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}
