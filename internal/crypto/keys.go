// Package crypto provides the node's Ed25519 identity keys, signatures, and
// content digests. The Signer interface mirrors kwil-db's
// core/crypto/auth.Signer, narrowed to the single key scheme this node uses.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// DigestLen is the length in bytes of a content digest.
const DigestLen = 32

// Digest is a 32-byte content address, used for batches, headers, and
// certificates.
type Digest [DigestLen]byte

// H computes the digest of a byte string. SHA-256 already produces 32
// bytes, so no truncation or expansion is required.
func H(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != DigestLen {
		return fmt.Errorf("crypto: invalid digest length %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// PublicKey is a 32-byte Ed25519 public key identifying a committee member.
type PublicKey [ed25519.PublicKeySize]byte

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: invalid public key length %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// Bytes returns the raw key bytes.
func (k PublicKey) Bytes() []byte { return k[:] }

// Verify checks sig over msg under this public key.
func (k PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}

// PrivateKey is a 64-byte Ed25519 private key.
type PrivateKey struct {
	priv ed25519.PrivateKey
}

// GenerateKey creates a new random Ed25519 key pair.
func GenerateKey() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return PrivateKey{priv: priv}, pk, nil
}

// PrivateKeyFromSeed builds a private key from a 32-byte seed, used when
// loading a keypair file.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("crypto: invalid seed length %d", len(seed))
	}
	return PrivateKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the public half of the key pair.
func (k PrivateKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], k.priv.Public().(ed25519.PublicKey))
	return pk
}

// Bytes returns the raw 64-byte private key.
func (k PrivateKey) Bytes() []byte { return []byte(k.priv) }

// Signature is a detached Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

func (s Signature) Bytes() []byte { return s[:] }

func (s Signature) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s[:])), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != ed25519.SignatureSize {
		return errors.New("crypto: invalid signature length")
	}
	copy(s[:], b)
	return nil
}

// Signer is the interface every component uses to sign its own messages.
// Mirrors kwil-db's core/crypto/auth.Signer, narrowed to one key scheme and
// a fixed-size Signature rather than a tagged union, since this node only
// ever speaks Ed25519.
type Signer interface {
	Sign(msg []byte) (Signature, error)
	Identity() PublicKey
}

// Ed25519Signer signs with a plain Ed25519 private key, grounded directly on
// kwil-db's auth.Ed25519Signer.
type Ed25519Signer struct {
	Key PrivateKey
}

var _ Signer = Ed25519Signer{}

func (e Ed25519Signer) Sign(msg []byte) (Signature, error) {
	var sig Signature
	raw := ed25519.Sign(e.Key.priv, msg)
	copy(sig[:], raw)
	return sig, nil
}

func (e Ed25519Signer) Identity() PublicKey { return e.Key.Public() }

// Keypair is the on-disk JSON keypair format written by `generate_keys` and
// read by `run`. The store's internal encoding is out of scope (spec §1);
// this struct only names the two fields the CLI reads/writes.
type Keypair struct {
	Name   HexField `json:"name"`   // public key
	Secret HexField `json:"secret"` // secret key (32-byte seed)
}

// HexField is a byte slice that marshals to/from a hex string in JSON,
// matching kwil-db's HexBytes convention in core/types.
type HexField []byte

func (h HexField) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// GenerateKeypair creates a fresh random keypair for the JSON key file.
func GenerateKeypair() (Keypair, error) {
	priv, pub, err := GenerateKey()
	if err != nil {
		return Keypair{}, err
	}
	// Secret is stored as the 32-byte seed, not the full 64-byte expanded
	// key, so that PrivateKeyFromSeed can reconstruct it on load.
	seed := ed25519.PrivateKey(priv.Bytes()).Seed()
	return Keypair{Name: HexField(pub.Bytes()), Secret: HexField(seed)}, nil
}

// LoadSigner reconstructs a Signer from a loaded Keypair.
func LoadSigner(kp Keypair) (Ed25519Signer, error) {
	priv, err := PrivateKeyFromSeed(kp.Secret)
	if err != nil {
		return Ed25519Signer{}, fmt.Errorf("crypto: load signer: %w", err)
	}
	if len(kp.Name) != ed25519.PublicKeySize {
		return Ed25519Signer{}, errors.New("crypto: keypair name has wrong length")
	}
	var declared PublicKey
	copy(declared[:], kp.Name)
	if declared != priv.Public() {
		return Ed25519Signer{}, errors.New("crypto: keypair name does not match secret")
	}
	return Ed25519Signer{Key: priv}, nil
}

// DerivedSeed computes the deterministic 32-byte seed used to mint a
// synthetic overlay identity key for (nodeKey, componentTag), per spec
// §3/§4.1: any committee member can recompute any other member's (or its
// own sibling's) PeerId given only the committee. It hashes
// nodeKey‖componentTag‖"#0" and nodeKey‖componentTag‖"#1" with SHA-512 and
// XORs the first 32 bytes of the first hash with the last 32 bytes of the
// second to form the Ed25519 seed, rather than simply truncating a single
// hash.
func DerivedSeed(nodeKey PublicKey, componentTag string) [32]byte {
	h1 := sha512.Sum512(append(append([]byte{}, nodeKey[:]...), []byte(componentTag+"#0")...))
	h2 := sha512.Sum512(append(append([]byte{}, nodeKey[:]...), []byte(componentTag+"#1")...))
	var seed [32]byte
	for i := 0; i < 32; i++ {
		seed[i] = h1[i] ^ h2[i+32]
	}
	return seed
}
