// Package custody resolves signing secrets for a single build-and-sign
// operation. Secrets are never cached: every call re-reads the referenced
// source and the decoded material is zeroed before the call returns.
package custody

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

var (
	// ErrMissingReference indicates that no custody reference was configured.
	ErrMissingReference = errors.New("custody: reference required")
	// ErrUnsupportedSource indicates an unknown reference scheme.
	ErrUnsupportedSource = errors.New("custody: unsupported reference source")
	// ErrEmptySecret indicates the referenced source resolved to nothing.
	ErrEmptySecret = errors.New("custody: secret is empty")
)

// Source enumerates where a custody secret is read from.
type Source string

const (
	SourceEnv      Source = "env"
	SourceFile     Source = "file"
	SourceKeystore Source = "keystore"
)

// Reference points at a custody secret without holding it.
type Reference struct {
	Source Source
	Target string
	// PassphraseEnv names the environment variable holding the keystore
	// passphrase. Only meaningful for SourceKeystore.
	PassphraseEnv string
}

// ParseReference parses "env:NAME", "file:/path" or "keystore:/path".
func ParseReference(raw, passphraseEnv string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, ErrMissingReference
	}
	scheme, target, found := strings.Cut(trimmed, ":")
	if !found || strings.TrimSpace(target) == "" {
		return Reference{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, maskRef(trimmed))
	}
	ref := Reference{
		Source:        Source(strings.ToLower(strings.TrimSpace(scheme))),
		Target:        strings.TrimSpace(target),
		PassphraseEnv: strings.TrimSpace(passphraseEnv),
	}
	switch ref.Source {
	case SourceEnv, SourceFile:
	case SourceKeystore:
		if ref.PassphraseEnv == "" {
			return Reference{}, fmt.Errorf("custody: keystore reference requires a passphrase env")
		}
	default:
		return Reference{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, ref.Source)
	}
	return ref, nil
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Source == "" && r.Target == ""
}

// String renders the reference without revealing any secret material.
func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Source) + ":" + r.Target
}

// SigningContext holds decoded key material for one signing operation.
type SigningContext struct {
	material []byte
}

// Material exposes the raw secret. The slice is zeroed by Close.
func (s *SigningContext) Material() []byte {
	if s == nil {
		return nil
	}
	return s.material
}

// Close zeroes the held material.
func (s *SigningContext) Close() {
	if s == nil {
		return
	}
	Zero(s.material)
	s.material = nil
}

// Open resolves the reference into a fresh SigningContext. Callers must Close it.
func Open(ref Reference) (*SigningContext, error) {
	var raw []byte
	switch ref.Source {
	case SourceEnv:
		value, ok := os.LookupEnv(ref.Target)
		if !ok {
			return nil, fmt.Errorf("custody: env %s not set", ref.Target)
		}
		raw = []byte(value)
	case SourceFile, SourceKeystore:
		contents, err := os.ReadFile(ref.Target)
		if err != nil {
			return nil, fmt.Errorf("custody: read %s: %w", ref.Source, err)
		}
		raw = contents
	case "":
		return nil, ErrMissingReference
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, ref.Source)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		Zero(raw)
		return nil, ErrEmptySecret
	}
	material := make([]byte, len(trimmed))
	copy(material, trimmed)
	Zero(raw)
	return &SigningContext{material: material}, nil
}

// WithSecret runs fn with the raw secret and zeroes it afterwards.
func WithSecret(ref Reference, fn func(secret []byte) error) error {
	sc, err := Open(ref)
	if err != nil {
		return err
	}
	defer sc.Close()
	return fn(sc.Material())
}

// WithECDSA decodes a secp256k1 key (hex or v3 keystore) and runs fn with it.
// The private scalar is wiped once fn returns.
func WithECDSA(ref Reference, fn func(key *ecdsa.PrivateKey) error) error {
	return WithSecret(ref, func(secret []byte) error {
		key, err := decodeECDSA(ref, secret)
		if err != nil {
			return err
		}
		defer wipeECDSA(key)
		return fn(key)
	})
}

func decodeECDSA(ref Reference, secret []byte) (*ecdsa.PrivateKey, error) {
	if ref.Source == SourceKeystore {
		passphrase := os.Getenv(ref.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("custody: passphrase env %s is empty", ref.PassphraseEnv)
		}
		decrypted, err := keystore.DecryptKey(secret, passphrase)
		if err != nil {
			return nil, fmt.Errorf("custody: decrypt keystore: %w", err)
		}
		return decrypted.PrivateKey, nil
	}
	hexKey := bytes.TrimPrefix(bytes.TrimPrefix(secret, []byte("0x")), []byte("0X"))
	buf := make([]byte, hex.DecodedLen(len(hexKey)))
	defer Zero(buf)
	if _, err := hex.Decode(buf, hexKey); err != nil {
		return nil, fmt.Errorf("custody: decode hex key: %w", err)
	}
	key, err := gethcrypto.ToECDSA(buf)
	if err != nil {
		return nil, fmt.Errorf("custody: parse secp256k1 key: %w", err)
	}
	return key, nil
}

// WithEd25519 decodes a Solana keypair (base58 or the solana-keygen JSON byte
// array) and runs fn with it. The key is zeroed once fn returns.
func WithEd25519(ref Reference, fn func(key ed25519.PrivateKey) error) error {
	return WithSecret(ref, func(secret []byte) error {
		key, err := decodeEd25519(secret)
		if err != nil {
			return err
		}
		defer Zero(key)
		return fn(key)
	})
}

func decodeEd25519(secret []byte) (ed25519.PrivateKey, error) {
	if bytes.HasPrefix(secret, []byte("[")) {
		var values []uint16
		if err := json.Unmarshal(secret, &values); err != nil {
			return nil, fmt.Errorf("custody: decode keypair array: %w", err)
		}
		key := make(ed25519.PrivateKey, len(values))
		for i, v := range values {
			if v > 0xff {
				Zero(key)
				return nil, fmt.Errorf("custody: keypair byte %d out of range", i)
			}
			key[i] = byte(v)
			values[i] = 0
		}
		if len(key) != ed25519.PrivateKeySize {
			Zero(key)
			return nil, fmt.Errorf("custody: keypair must be %d bytes", ed25519.PrivateKeySize)
		}
		return key, nil
	}
	decoded, err := solana.PrivateKeyFromBase58(string(secret))
	if err != nil {
		return nil, fmt.Errorf("custody: decode base58 keypair: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		Zero(decoded)
		return nil, fmt.Errorf("custody: keypair must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

func wipeECDSA(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func maskRef(raw string) string {
	if len(raw) <= 4 {
		return "****"
	}
	return raw[:4] + "****"
}
