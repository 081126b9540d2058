// Package signing implements the control plane's Ed25519 signing identity:
// canonical-JSON payload construction, order/rule-bundle signing, appliance
// evidence-signature verification, and HKDF credential wrapping.
//
// The canonical JSON format (sorted keys, no whitespace, UTF-8) must match
// byte-for-byte what every appliance reconstructs before verifying — this
// mirrors BuildSignedPayload on the appliance side, just run in the other
// direction: the appliance verifies what we sign here.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Signer holds the control-plane's Ed25519 private key. It is a process-wide
// singleton: loaded once at boot from a secrets source (a seed file here;
// a KMS-backed loader in a production deployment), never rotated at
// runtime — rotation is an out-of-band deployment per spec.md §9.
type Signer struct {
	mu      sync.RWMutex
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	pubHex  string
}

// LoadOrCreate loads the control-plane Ed25519 seed from path, generating
// and persisting a new one if none exists yet.
func LoadOrCreate(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("control-plane key %s: got %d bytes, want a %d-byte seed", path, len(data), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(data)
		return newSigner(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read control-plane key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate control-plane key: %w", err)
	}
	_ = pub

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write control-plane key: %w", err)
	}

	return newSigner(priv), nil
}

func newSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		private: priv,
		public:  pub,
		pubHex:  hex.EncodeToString(pub),
	}
}

// PublicKeyHex returns the control-plane public key, hex-encoded, for
// distribution to appliances on first checkin.
func (s *Signer) PublicKeyHex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubHex
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (s *Signer) Sign(data []byte) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hex.EncodeToString(ed25519.Sign(s.private, data))
}

// CanonicalJSON builds the deterministic JSON encoding of fields: sorted
// object keys, no extraneous whitespace, UTF-8. This is the exact byte
// sequence that gets signed and later re-verified by the appliance, so it
// must never drift between calls for the same field set.
func CanonicalJSON(fields map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		valJSON, err := json.Marshal(fields[k])
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// SignFields builds the canonical JSON for fields and signs it, returning
// both the exact signed bytes (stored verbatim as signed_payload /
// signed_data to avoid reconstruction drift) and the hex signature.
func (s *Signer) SignFields(fields map[string]interface{}) (signedPayload []byte, signatureHex string, err error) {
	payload, err := CanonicalJSON(fields)
	if err != nil {
		return nil, "", err
	}
	return payload, s.Sign(payload), nil
}

// Verifier checks Ed25519 signatures against per-appliance or per-site
// public keys loaded from the relational store (spec.md §2 "K").
type Verifier struct{}

// NewVerifier returns a stateless appliance-evidence verifier. Public keys
// are supplied per call since each appliance/site has its own.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify checks a hex-encoded Ed25519 signature over data against a
// hex-encoded public key.
func (v *Verifier) Verify(publicKeyHex, data, signatureHex string) error {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(data), sig) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}

// WrapCredentials derives a per-appliance key from applianceSharedSecret
// via HKDF and XORs it over the credential plaintext, so each
// appliance's credential bundle (spec.md §4.2 step 4) is wrapped with a key
// only that appliance's prior shared secret can reproduce. info binds the
// derived key to the appliance so the same plaintext wraps differently per
// target.
func (s *Signer) WrapCredentials(applianceSharedSecret, info, plaintext []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, applianceSharedSecret, nil, info)
	key := make([]byte, len(plaintext))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	out := make([]byte, len(plaintext))
	for i := range plaintext {
		out[i] = plaintext[i] ^ key[i]
	}
	return out, nil
}
