package delivery

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/migadu/smtpd/config"
)

// signedHeaders are covered by the organisation signature.
var signedHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-Id",
	"In-Reply-To", "References", "Mime-Version", "Content-Type",
}

// Signer adds a DKIM-Signature for the organisation domain.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// LoadSigner reads the PEM private key named by cfg. It returns nil, nil
// when signing is not configured.
func LoadSigner(cfg config.DKIMConfig) (*Signer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	buf, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read dkim key: %w", err)
	}
	key, err := parsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("dkim key %s: %w", cfg.KeyFile, err)
	}
	return NewSigner(cfg.Domain, cfg.Selector, key), nil
}

func NewSigner(domain, selector string, key crypto.Signer) *Signer {
	return &Signer{domain: domain, selector: selector, key: key}
}

func parsePrivateKey(buf []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("no pem block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported pem block %q", block.Type)
	}
}

// Sign returns raw with a DKIM-Signature field prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(raw) + 1024)
	opts := &dkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		HeaderKeys: signedHeaders,
	}
	if err := dkim.Sign(&buf, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return buf.Bytes(), nil
}
