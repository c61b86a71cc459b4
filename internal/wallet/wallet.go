// Package wallet loads the node's Arweave-style RSA JWK keyfile and
// signs outgoing node-registration payloads with it, per spec §4.Q. No
// library in the retrieved pack reads Arweave JWK wallets, so this is
// hand-rolled on crypto/rsa and math/big; the base64url helpers are the
// same ones the teacher's security package hand-rolls for its JWT
// cookies.
package wallet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// jwk is the subset of RFC 7517 fields an Arweave wallet keyfile
// carries: an RSA private key in its "kty":"RSA" form.
type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	Dp  string `json:"dp"`
	Dq  string `json:"dq"`
	Qi  string `json:"qi"`
}

// Wallet holds the loaded key pair and its derived public address.
type Wallet struct {
	PrivateKey *rsa.PrivateKey
	Address    string // SHA-256 of the raw modulus, base64url-encoded
}

// Load reads an Arweave-style RSA JWK wallet file from path.
func Load(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read keyfile: %w", err)
	}

	var key jwk
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("wallet: parse keyfile: %w", err)
	}
	if key.Kty != "RSA" {
		return nil, fmt.Errorf("wallet: unsupported key type %q", key.Kty)
	}

	n, err := base64urlBigInt(key.N)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode modulus: %w", err)
	}
	e, err := base64urlInt(key.E)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode exponent: %w", err)
	}
	d, err := base64urlBigInt(key.D)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode private exponent: %w", err)
	}
	p, err := base64urlBigInt(key.P)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode prime p: %w", err)
	}
	q, err := base64urlBigInt(key.Q)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode prime q: %w", err)
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: e},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("wallet: invalid key: %w", err)
	}

	address := sha256.Sum256(n.Bytes())

	return &Wallet{
		PrivateKey: priv,
		Address:    base64urlEncode(address[:]),
	}, nil
}

// Sign signs data's SHA-256 digest with PKCS#1 v1.5, the signature
// scheme the archive gateway's node-registration endpoint expects.
func (w *Wallet) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, w.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	return sig, nil
}

func base64urlEncode(b []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(b), "=")
}

func base64urlDecode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

func base64urlBigInt(s string) (*big.Int, error) {
	b, err := base64urlDecode(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func base64urlInt(s string) (int, error) {
	b, err := base64urlDecode(s)
	if err != nil {
		return 0, err
	}
	n := new(big.Int).SetBytes(b)
	if !n.IsInt64() {
		return 0, fmt.Errorf("exponent out of range")
	}
	return int(n.Int64()), nil
}
