package solana

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedKeypair(t *testing.T, b byte) *Keypair {
	t.Helper()
	seed := make([]byte, 32)
	seed[0] = b
	kp, err := NewKeypairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func fillPubkey(b byte) Pubkey {
	var pk Pubkey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func TestShortvecEncoding(t *testing.T) {
	assert.Equal(t, []byte{0}, appendShortvecLen(nil, 0))
	assert.Equal(t, []byte{1}, appendShortvecLen(nil, 1))
	assert.Equal(t, []byte{0x7f}, appendShortvecLen(nil, 127))
	assert.Equal(t, []byte{0x80, 0x01}, appendShortvecLen(nil, 128))
	assert.Equal(t, []byte{0xff, 0x01}, appendShortvecLen(nil, 255))
}

func TestPubkeyRoundTrip(t *testing.T) {
	kp := seedKeypair(t, 1)
	parsed, err := ParsePubkey(kp.Pubkey().String())
	require.NoError(t, err)
	assert.Equal(t, kp.Pubkey(), parsed)

	_, err = ParsePubkey("not-base58-!!!")
	assert.Error(t, err)
	_, err = ParsePubkey("abc") // too short
	assert.Error(t, err)
}

func TestPubkeyOnCurve(t *testing.T) {
	kp := seedKeypair(t, 2)
	assert.True(t, kp.Pubkey().OnCurve())
}

func TestTransactionBuildAndSign(t *testing.T) {
	payer := seedKeypair(t, 1)
	program := fillPubkey(10)
	acctA := fillPubkey(11)
	acctB := fillPubkey(12)

	tx, err := NewTxBuilder(payer.Pubkey()).
		SetBlockhash(Hash(fillPubkey(99))).
		Add(Instruction{
			ProgramID: program,
			Accounts: []AccountMeta{
				{Pubkey: acctA, IsWritable: true},
				{Pubkey: acctB},
				{Pubkey: payer.Pubkey(), IsSigner: true, IsWritable: true},
			},
			Data: []byte{1, 2, 3},
		}).
		Build()
	require.NoError(t, err)

	require.NoError(t, tx.Sign(payer))
	require.Len(t, tx.Signatures, 1)

	// The signature must verify against the message bytes.
	pub := payer.Pubkey()
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub[:]), tx.Message(), tx.Signatures[0][:]))

	// Serialized wire bytes: shortvec(1) + 64-byte sig + message.
	wire := tx.Serialize()
	assert.Equal(t, byte(1), wire[0])
	assert.Equal(t, tx.Signatures[0][:], wire[1:65])
	assert.Equal(t, tx.Message(), wire[65:])
	assert.NotEmpty(t, tx.Base64())
}

func TestTransactionSignMissingKeypair(t *testing.T) {
	payer := seedKeypair(t, 1)
	other := seedKeypair(t, 2)

	tx, err := NewTxBuilder(payer.Pubkey()).
		SetBlockhash(Hash(fillPubkey(99))).
		Add(Instruction{ProgramID: fillPubkey(10), Data: []byte{1}}).
		Build()
	require.NoError(t, err)

	assert.Error(t, tx.Sign(other))
}

func TestTransactionPayerFirst(t *testing.T) {
	payer := seedKeypair(t, 3)
	tx, err := NewTxBuilder(payer.Pubkey()).
		SetBlockhash(Hash(fillPubkey(1))).
		Add(Instruction{ProgramID: fillPubkey(10), Data: []byte{9}}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, payer.Pubkey(), tx.signerKeys[0])
}

func TestTransactionLookupTableCompression(t *testing.T) {
	payer := seedKeypair(t, 4)

	// More read-only accounts than the static limit allows.
	var addrs []Pubkey
	ins := Instruction{ProgramID: fillPubkey(10), Data: []byte{1}}
	for i := byte(0); i < 40; i++ {
		pk := fillPubkey(100 + i)
		addrs = append(addrs, pk)
		ins.Accounts = append(ins.Accounts, AccountMeta{Pubkey: pk})
	}

	// Without a table the build overflows.
	_, err := NewTxBuilder(payer.Pubkey()).
		SetBlockhash(Hash(fillPubkey(1))).
		Add(ins).
		Build()
	require.Error(t, err)

	// With the table it compresses.
	table := &LookupTable{Table: fillPubkey(200), Addresses: addrs}
	tx, err := NewTxBuilder(payer.Pubkey()).
		SetBlockhash(Hash(fillPubkey(1))).
		SetLookupTable(table).
		Add(ins).
		Build()
	require.NoError(t, err)
	require.NoError(t, tx.Sign(payer))
}

func TestFeeScheduleEscalation(t *testing.T) {
	fs := NewFeeSchedule(10_000, 0.5)

	base := fs.Fee([]string{"raydium"}, 0)
	assert.Equal(t, uint64(10_000), base)

	fs.RecordFailure("raydium")
	fs.RecordFailure("raydium")
	assert.Equal(t, uint64(20_000), fs.Fee([]string{"raydium"}, 0))

	// Retry escalation stacks on top.
	assert.Equal(t, uint64(25_000), fs.Fee([]string{"raydium"}, 1))

	// Success resets.
	fs.RecordSuccess("raydium")
	assert.Equal(t, uint64(10_000), fs.Fee([]string{"raydium"}, 0))

	// Hard ceiling.
	for i := 0; i < 100_000; i++ {
		fs.RecordFailure("orca")
	}
	assert.Equal(t, uint64(MaxPriorityFeeLamports), fs.Fee([]string{"orca"}, 0))
}

func TestComputeBudgetInstructions(t *testing.T) {
	price := ComputeUnitPriceInstruction(42)
	assert.Equal(t, ComputeBudgetProgram, price.ProgramID)
	assert.Equal(t, byte(3), price.Data[0])

	limit := ComputeUnitLimitInstruction(600_000)
	assert.Equal(t, byte(2), limit.Data[0])
	assert.Len(t, limit.Data, 5)
}
