package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte Solana account address.
type Pubkey [32]byte

// ParsePubkey decodes a base58 address into a Pubkey.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	if len(raw) != 32 {
		return pk, fmt.Errorf("pubkey %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPubkey parses a base58 address and panics on failure.
// For package-level well-known addresses only.
func MustPubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// String returns the base58 representation.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the pubkey is the all-zero address.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// OnCurve reports whether the pubkey is a valid ed25519 curve point.
// Program-derived addresses are intentionally off-curve.
func (p Pubkey) OnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

// MarshalJSON encodes the pubkey as a base58 string.
func (p Pubkey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a base58 string pubkey.
func (p *Pubkey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	pk, err := ParsePubkey(s)
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Signature is a 64-byte ed25519 transaction signature.
type Signature [64]byte

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 64 {
		return sig, fmt.Errorf("signature: expected 64 bytes, got %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// String returns the base58 representation.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// MarshalJSON encodes the signature as a base58 string.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Hash is a 32-byte blockhash.
type Hash [32]byte

// ParseHash decodes a base58 blockhash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("decode hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("hash %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// String returns the base58 representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// AccountMeta describes how an instruction touches an account.
type AccountMeta struct {
	Pubkey     Pubkey `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// Instruction is a single program invocation inside a transaction.
type Instruction struct {
	ProgramID Pubkey        `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// Keypair wraps an ed25519 private key with its derived pubkey.
type Keypair struct {
	pub  Pubkey
	priv ed25519.PrivateKey
}

// NewKeypairFromSeed derives a keypair from a 32-byte seed.
func NewKeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keypair seed: expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pub Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{pub: pub, priv: priv}, nil
}

// ParseKeypair decodes a base58-encoded 64-byte private key.
func ParseKeypair(s string) (*Keypair, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode keypair: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	kp := &Keypair{priv: ed25519.PrivateKey(raw)}
	copy(kp.pub[:], kp.priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// Pubkey returns the keypair's public key.
func (k *Keypair) Pubkey() Pubkey {
	return k.pub
}

// Sign signs a message with the private key.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}

// Well-known addresses.
var (
	SystemProgram       = MustPubkey("11111111111111111111111111111111")
	TokenProgram        = MustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	ComputeBudgetProgram = MustPubkey("ComputeBudget111111111111111111111111111111")
	SOLMint             = MustPubkey("So11111111111111111111111111111111111111112")
	USDCMint            = MustPubkey("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000
