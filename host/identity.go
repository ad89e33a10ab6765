package host

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// WithIdentity sets the host's identity from an ed25519 private key
func WithIdentity(privateKey crypto.PrivateKey) HostOption {
	return func(h *Host) error {
		key, ok := privateKey.(ed25519.PrivateKey)
		if !ok {
			return fmt.Errorf("unsupported key type: %T", privateKey)
		}
		privkey, err := ic.UnmarshalEd25519PrivateKey(key)
		if err != nil {
			return err
		}
		peerID, err := peer.IDFromPrivateKey(privkey)
		if err != nil {
			return err
		}

		h.privateKey = key
		h.peerID = peerID
		return nil
	}
}

// LoadIdentity reads a libp2p-marshalled ed25519 key from path, generating
// and saving a new one when the file does not exist.
func LoadIdentity(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		privkey, _, err := ic.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		data, err = ic.MarshalPrivateKey(privkey)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("saving identity: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	privkey, err := ic.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing identity %s: %w", path, err)
	}
	raw, err := privkey.Raw()
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity %s is not an ed25519 key", path)
	}
	return ed25519.PrivateKey(raw), nil
}

// createTLSCertFromKey creates a self-signed certificate for the identity key
func createTLSCertFromKey(key crypto.PrivateKey) (*tls.Certificate, error) {
	privateKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ec-pubsub"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// parsePeerIDFromCertificate derives the peer ID from a certificate's public key
func parsePeerIDFromCertificate(cert *x509.Certificate) (peer.ID, error) {
	key, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("unsupported public key type: %T", cert.PublicKey)
	}
	pubkey, err := ic.UnmarshalEd25519PublicKey(key)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pubkey)
}
