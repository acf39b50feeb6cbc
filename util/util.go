package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

//go:embed version.txt
var embeddedVersion string

const keyBits = 4096

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// Redacted returns a copy of the config that is safe to print
func (c *AppConfig) Redacted() AppConfig {
	out := *c
	if out.Admin.Token != "" {
		out.Admin.Token = "***"
	}
	return out
}

// GeneratePemKeypair creates the actor key pair. The private key is PKCS#1,
// the public key SPKI ("PUBLIC KEY") as Fediverse servers expect.
func GeneratePemKeypair() (*RsaKeyPair, error) {
	return generatePemKeypair(keyBits)
}

func generatePemKeypair(bits int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// LoadOrCreateKeypair reads the key pair from disk, generating and writing
// a new one when the private key file does not exist yet.
func LoadOrCreateKeypair(privatePath, publicPath string) (*RsaKeyPair, error) {
	private, err := os.ReadFile(privatePath)
	if err == nil {
		public, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("private key found but public key unreadable: %w", err)
		}
		return &RsaKeyPair{Private: string(private), Public: string(public)}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	log.Infof("No key pair at %s, generating a new one", privatePath)
	pair, err := GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	if err := WriteKeypair(pair, privatePath, publicPath); err != nil {
		return nil, err
	}
	return pair, nil
}

// WriteKeypair stores the pair; the private key is readable by the owner only
func WriteKeypair(pair *RsaKeyPair, privatePath, publicPath string) error {
	for _, dir := range []string{filepath.Dir(privatePath), filepath.Dir(publicPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(privatePath, []byte(pair.Private), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, []byte(pair.Public), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
