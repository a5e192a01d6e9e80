// Package identity implements the Identity capability set (spec §1:
// "identity/crypto primitives (CSR, JWT, X.509) — specified as the Identity
// capability set"). It backs the registration manager's CSR/keypair
// lifecycle and the CLI's GetJWT posture-token command (spec §6).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity owns a device's private key, CSR template, and (once issued) a
// signed certificate. It is the in-memory+on-disk counterpart of
// spec §6's `identity/` directory (private key + cert).
type Identity struct {
	UUID       string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Cert       *x509.Certificate
	CertDER    []byte
}

// Generate creates a fresh Ed25519 keypair for uuid, following
// golang.org/x/crypto's preference for Ed25519 over RSA for new key
// material (spec §4.10 "generates a fresh keypair").
func Generate(uuid string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &Identity{UUID: uuid, PrivateKey: priv, PublicKey: pub}, nil
}

// CreateCSR builds and signs a PKCS#10 certificate request for this
// identity (spec §4.10 "submits a CSR").
func (id *Identity) CreateCSR(commonName string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"acme-compliance-agent"},
		},
		SignatureAlgorithm: x509.PureEd25519,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// AdoptCertificate stores a registrar-issued certificate (spec §4.10
// "receives and stores the signed certificate").
func (id *Identity) AdoptCertificate(certPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("adopt certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("adopt certificate: %w", err)
	}
	id.Cert = cert
	id.CertDER = block.Bytes
	return nil
}

// Signed reports whether a certificate has been adopted.
func (id *Identity) Signed() bool {
	return id.Cert != nil
}

// SignJWT mints a posture token valid for duration, signed with this
// identity's private key (spec §6 "GetJWT {duration?} → signed posture
// token").
func (id *Identity) SignJWT(duration time.Duration, claims map[string]interface{}) (string, error) {
	now := time.Now()
	mapClaims := jwt.MapClaims{
		"sub": id.UUID,
		"iat": now.Unix(),
		"exp": now.Add(duration).Unix(),
	}
	for k, v := range claims {
		mapClaims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, mapClaims)
	signed, err := token.SignedString(id.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign JWT: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a JWT previously signed by SignJWT, checking
// it against this identity's public key.
func (id *Identity) Verify(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return id.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// SaveTo persists the private key and certificate (if present) under dir
// (spec §6 "identity/ # private key + cert"), each 0600.
func (id *Identity) SaveTo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, "identity.key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	if id.CertDER != nil {
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.CertDER})
		if err := os.WriteFile(filepath.Join(dir, "identity.crt"), certPEM, 0o600); err != nil {
			return fmt.Errorf("write certificate: %w", err)
		}
	}
	return nil
}

// LoadFrom restores an Identity previously written by SaveTo.
func LoadFrom(dir, uuid string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key file")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}

	id := &Identity{
		UUID:       uuid,
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}

	certPEM, err := os.ReadFile(filepath.Join(dir, "identity.crt"))
	if err == nil {
		if err := id.AdoptCertificate(certPEM); err != nil {
			return nil, err
		}
	}
	return id, nil
}
