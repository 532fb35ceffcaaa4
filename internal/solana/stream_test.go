package solana

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSequenceMonotonePerAccount(t *testing.T) {
	s := NewAccountStream(DefaultStreamConfig(), []Pubkey{fillPubkey(1)})
	acct := fillPubkey(1)

	s1 := s.nextSequence(acct, 100)
	s2 := s.nextSequence(acct, 100) // second update in the same slot
	s3 := s.nextSequence(acct, 101)

	assert.Less(t, s1, s2)
	assert.Less(t, s2, s3)

	// A replayed older slot after reconnect still advances under the
	// highest seen slot: sequences never regress.
	s4 := s.nextSequence(acct, 99)
	assert.Greater(t, s4, s3)
}

func TestStreamHandleAccountNotification(t *testing.T) {
	acct := fillPubkey(7)
	s := NewAccountStream(DefaultStreamConfig(), []Pubkey{acct})
	s.subToAcct[55] = acct

	payload := []byte{1, 2, 3, 4}
	msg, err := json.Marshal(map[string]any{
		"method": "accountNotification",
		"params": map[string]any{
			"subscription": 55,
			"result": map[string]any{
				"context": map[string]any{"slot": 123},
				"value": map[string]any{
					"data": []string{base64.StdEncoding.EncodeToString(payload), "base64"},
				},
			},
		},
	})
	require.NoError(t, err)

	s.handleMessage(msg)

	select {
	case u := <-s.updates:
		assert.Equal(t, acct, u.Account)
		assert.Equal(t, payload, u.Data)
		assert.Equal(t, uint64(123), u.Slot)
		assert.Equal(t, uint64(123)<<16, u.Sequence)
	default:
		t.Fatal("expected an account update")
	}
}

func TestStreamHandleSubscriptionConfirmation(t *testing.T) {
	acct := fillPubkey(9)
	s := NewAccountStream(DefaultStreamConfig(), []Pubkey{acct})
	s.reqToAcct[3] = acct

	msg := []byte(`{"jsonrpc":"2.0","id":3,"result":77}`)
	s.handleMessage(msg)

	assert.Equal(t, acct, s.subToAcct[77])
	_, pending := s.reqToAcct[3]
	assert.False(t, pending)
}

func TestStreamIgnoresUnknownSubscription(t *testing.T) {
	s := NewAccountStream(DefaultStreamConfig(), []Pubkey{fillPubkey(1)})

	msg := []byte(`{"method":"accountNotification","params":{"subscription":999,"result":{"context":{"slot":1},"value":{"data":["AQI=","base64"]}}}}`)
	s.handleMessage(msg)

	select {
	case <-s.updates:
		t.Fatal("unexpected update for unknown subscription")
	default:
	}
}
