package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/wyysfzj/journey-runtime/internal/jws"
	"github.com/wyysfzj/journey-runtime/internal/logging"
)

func runSign(args []string, log *logging.Logger) error {
	fs := newFlagSet("sign")
	in := fs.String("manifest", "", "manifest JSON file to sign")
	out := fs.String("out", "", "output file (defaults to stdout)")
	keyPath := fs.String("key", "", "PEM EC private key; generated when absent")
	kid := fs.String("kid", "dev-key", "key id placed in the JWS header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("sign: -manifest is required")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("sign: read manifest: %w", err)
	}

	signer, generated, err := loadOrGenerateSigner(*keyPath, *kid)
	if err != nil {
		return err
	}
	if generated != nil {
		log.Warn("no -key given; generated an ephemeral development key")
		fmt.Fprintln(os.Stderr, string(generated))
	}

	payload, err := jws.StripTopLevelField(raw, "signature")
	if err != nil {
		return err
	}
	sig, err := signer.SignDetached(payload)
	if err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("sign: decode manifest: %w", err)
	}
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	doc["signature"] = sigJSON

	signed, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if *out == "" {
		fmt.Println(string(signed))
		return nil
	}
	return os.WriteFile(*out, append(signed, '\n'), 0o600)
}

// loadOrGenerateSigner loads an EC private key from PEM, or generates one
// and returns the public key PEM so the caller can register it.
func loadOrGenerateSigner(keyPath, kid string) (*jws.Signer, []byte, error) {
	if keyPath != "" {
		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sign: read key: %w", err)
		}
		key, err := parseECPrivateKeyPEM(pemBytes)
		if err != nil {
			return nil, nil, err
		}
		signer, err := jws.NewSigner(key, kid)
		return signer, nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: generate key: %w", err)
	}
	signer, err := jws.NewSigner(key, kid)
	if err != nil {
		return nil, nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return signer, pubPEM, nil
}

func parseECPrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("sign: no PEM block in key file")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("sign: parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("sign: key is not ECDSA")
	}
	return key, nil
}

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
