package solana

import (
	"encoding/base64"
	"fmt"
)

// ---------------------------------------------------------------------------
// Transaction assembly — v0 message encoding with address lookup tables
// ---------------------------------------------------------------------------

// MaxStaticAccounts is the number of distinct accounts above which the
// builder spills read-only non-signer accounts into a lookup table.
const MaxStaticAccounts = 32

// LookupTable maps addresses to indexes in an on-chain address table.
type LookupTable struct {
	Table     Pubkey
	Addresses []Pubkey
}

// indexOf returns the table index of addr, or -1.
func (t *LookupTable) indexOf(addr Pubkey) int {
	for i, a := range t.Addresses {
		if a == addr {
			return i
		}
	}
	return -1
}

// Transaction is a compiled, optionally signed transaction.
type Transaction struct {
	Signatures []Signature
	message    []byte
	signerKeys []Pubkey
}

// TxBuilder assembles instructions into a v0 transaction message.
type TxBuilder struct {
	payer        Pubkey
	instructions []Instruction
	blockhash    Hash
	lookup       *LookupTable
}

// NewTxBuilder creates a builder with the given fee payer.
func NewTxBuilder(payer Pubkey) *TxBuilder {
	return &TxBuilder{payer: payer}
}

// SetBlockhash sets the recent blockhash.
func (b *TxBuilder) SetBlockhash(h Hash) *TxBuilder {
	b.blockhash = h
	return b
}

// SetLookupTable attaches an address lookup table used to compress
// read-only non-signer accounts when the static key list overflows.
func (b *TxBuilder) SetLookupTable(t *LookupTable) *TxBuilder {
	b.lookup = t
	return b
}

// Add appends an instruction.
func (b *TxBuilder) Add(ins Instruction) *TxBuilder {
	b.instructions = append(b.instructions, ins)
	return b
}

// compiledKeys is the ordered account list for a message: writable signers,
// read-only signers, writable non-signers, read-only non-signers.
type compiledKeys struct {
	keys        []Pubkey
	numSigners  int
	numROSigned int
	numROTotal  int
	lookupRO    []uint8 // table indexes for spilled read-only accounts
}

func (b *TxBuilder) compileKeys() (*compiledKeys, error) {
	type accFlags struct {
		signer   bool
		writable bool
	}
	flags := make(map[Pubkey]*accFlags)
	order := []Pubkey{}

	upsert := func(pk Pubkey, signer, writable bool) {
		f, ok := flags[pk]
		if !ok {
			f = &accFlags{}
			flags[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}

	upsert(b.payer, true, true)
	for _, ins := range b.instructions {
		upsert(ins.ProgramID, false, false)
		for _, m := range ins.Accounts {
			upsert(m.Pubkey, m.IsSigner, m.IsWritable)
		}
	}

	var wSigners, roSigners, wOthers, roOthers []Pubkey
	for _, pk := range order {
		f := flags[pk]
		switch {
		case f.signer && f.writable:
			wSigners = append(wSigners, pk)
		case f.signer:
			roSigners = append(roSigners, pk)
		case f.writable:
			wOthers = append(wOthers, pk)
		default:
			roOthers = append(roOthers, pk)
		}
	}
	// Payer first within writable signers.
	for i, pk := range wSigners {
		if pk == b.payer && i != 0 {
			wSigners[0], wSigners[i] = wSigners[i], wSigners[0]
			break
		}
	}

	ck := &compiledKeys{}
	staticTotal := len(wSigners) + len(roSigners) + len(wOthers) + len(roOthers)

	// Spill read-only non-signers into the lookup table when the static
	// list overflows the single-transaction limit.
	var spilled []uint8
	if staticTotal > MaxStaticAccounts && b.lookup != nil {
		kept := roOthers[:0]
		for _, pk := range roOthers {
			if idx := b.lookup.indexOf(pk); idx >= 0 && staticTotal > MaxStaticAccounts {
				spilled = append(spilled, uint8(idx))
				staticTotal--
				continue
			}
			kept = append(kept, pk)
		}
		roOthers = kept
	}
	if staticTotal > MaxStaticAccounts {
		return nil, fmt.Errorf("transaction needs %d static accounts, limit is %d", staticTotal, MaxStaticAccounts)
	}

	ck.keys = append(ck.keys, wSigners...)
	ck.keys = append(ck.keys, roSigners...)
	ck.keys = append(ck.keys, wOthers...)
	ck.keys = append(ck.keys, roOthers...)
	ck.numSigners = len(wSigners) + len(roSigners)
	ck.numROSigned = len(roSigners)
	ck.numROTotal = len(roOthers)
	ck.lookupRO = spilled
	return ck, nil
}

// keyIndex resolves a pubkey to its message index, covering both static
// keys and lookup-table entries (which follow the static list).
func (ck *compiledKeys) keyIndex(pk Pubkey, lookup *LookupTable) (uint8, error) {
	for i, k := range ck.keys {
		if k == pk {
			return uint8(i), nil
		}
	}
	if lookup != nil {
		base := len(ck.keys)
		for i, tidx := range ck.lookupRO {
			if lookup.Addresses[tidx] == pk {
				return uint8(base + i), nil
			}
		}
	}
	return 0, fmt.Errorf("account %s not in compiled key set", pk)
}

// Build compiles the message and returns an unsigned Transaction.
func (b *TxBuilder) Build() (*Transaction, error) {
	if len(b.instructions) == 0 {
		return nil, fmt.Errorf("transaction has no instructions")
	}
	ck, err := b.compileKeys()
	if err != nil {
		return nil, err
	}

	var msg []byte
	// v0 message prefix.
	msg = append(msg, 0x80)
	// Header.
	msg = append(msg, uint8(ck.numSigners), uint8(ck.numROSigned), uint8(ck.numROTotal))
	// Static account keys.
	msg = appendShortvecLen(msg, len(ck.keys))
	for _, k := range ck.keys {
		msg = append(msg, k[:]...)
	}
	// Recent blockhash.
	msg = append(msg, b.blockhash[:]...)
	// Instructions.
	msg = appendShortvecLen(msg, len(b.instructions))
	for _, ins := range b.instructions {
		progIdx, err := ck.keyIndex(ins.ProgramID, b.lookup)
		if err != nil {
			return nil, err
		}
		msg = append(msg, progIdx)
		msg = appendShortvecLen(msg, len(ins.Accounts))
		for _, m := range ins.Accounts {
			idx, err := ck.keyIndex(m.Pubkey, b.lookup)
			if err != nil {
				return nil, err
			}
			msg = append(msg, idx)
		}
		msg = appendShortvecLen(msg, len(ins.Data))
		msg = append(msg, ins.Data...)
	}
	// Address table lookups.
	if len(ck.lookupRO) > 0 {
		msg = appendShortvecLen(msg, 1)
		msg = append(msg, b.lookup.Table[:]...)
		msg = appendShortvecLen(msg, 0) // writable indexes
		msg = appendShortvecLen(msg, len(ck.lookupRO))
		msg = append(msg, ck.lookupRO...)
	} else {
		msg = appendShortvecLen(msg, 0)
	}

	return &Transaction{
		message:    msg,
		signerKeys: ck.keys[:ck.numSigners],
		Signatures: make([]Signature, ck.numSigners),
	}, nil
}

// Sign fills in signatures for every signer the keyring covers.
func (tx *Transaction) Sign(keypairs ...*Keypair) error {
	byPub := make(map[Pubkey]*Keypair, len(keypairs))
	for _, kp := range keypairs {
		byPub[kp.Pubkey()] = kp
	}
	for i, pk := range tx.signerKeys {
		kp, ok := byPub[pk]
		if !ok {
			return fmt.Errorf("missing keypair for signer %s", pk)
		}
		tx.Signatures[i] = kp.Sign(tx.message)
	}
	return nil
}

// Serialize returns the wire bytes: shortvec signature count, signatures,
// then the compiled message.
func (tx *Transaction) Serialize() []byte {
	out := appendShortvecLen(nil, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		out = append(out, sig[:]...)
	}
	return append(out, tx.message...)
}

// Base64 returns the base64-encoded wire bytes for RPC submission.
func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

// Message returns the compiled message bytes.
func (tx *Transaction) Message() []byte {
	return tx.message
}

// appendShortvecLen appends a compact-u16 length.
func appendShortvecLen(b []byte, n int) []byte {
	v := uint16(n)
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}
