package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Account Stream — websocket push of account updates with resubscription
// ---------------------------------------------------------------------------

// StreamConfig configures the account stream client.
type StreamConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxReconnects  int           `yaml:"max_reconnects"` // 0 = unlimited
	ChannelBuffer  int           `yaml:"channel_buffer"`
}

// DefaultStreamConfig returns mainnet defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Endpoint:      "wss://api.mainnet-beta.solana.com",
		ReconnectMin:  250 * time.Millisecond,
		ReconnectMax:  30 * time.Second,
		PingInterval:  30 * time.Second,
		MaxReconnects: 0,
		ChannelBuffer: 4096,
	}
}

// AccountUpdate is one pushed account state change.
type AccountUpdate struct {
	Account    Pubkey
	Data       []byte
	Slot       uint64
	Sequence   uint64 // slot<<16 | intra-slot counter; strictly increasing per account
	ReceivedAt time.Time
}

// AccountStream subscribes to account updates over a websocket and emits
// them on a channel. Reconnects with jittered exponential backoff and fully
// resubscribes; sequence numbers keep downstream state monotone across
// reconnects.
type AccountStream struct {
	config   StreamConfig
	accounts []Pubkey

	mu      sync.RWMutex
	conn    *websocket.Conn
	subToAcct map[int64]Pubkey // subscription id -> account
	reqToAcct map[int64]Pubkey // request id -> account (pending subscribe)

	updates chan AccountUpdate
	closed  atomic.Bool
	nextID  atomic.Int64

	// Per-account sequence state.
	seqMu   sync.Mutex
	lastSlot map[Pubkey]uint64
	slotCtr  map[Pubkey]uint64

	// Stats.
	messagesRecv atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
	lastEventAt  atomic.Int64 // unix micros
}

// NewAccountStream creates a stream client for a fixed account set.
func NewAccountStream(config StreamConfig, accounts []Pubkey) *AccountStream {
	if config.ReconnectMin == 0 {
		config.ReconnectMin = 250 * time.Millisecond
	}
	if config.ReconnectMax == 0 {
		config.ReconnectMax = 30 * time.Second
	}
	if config.ChannelBuffer == 0 {
		config.ChannelBuffer = 4096
	}
	return &AccountStream{
		config:    config,
		accounts:  accounts,
		subToAcct: make(map[int64]Pubkey),
		reqToAcct: make(map[int64]Pubkey),
		updates:   make(chan AccountUpdate, config.ChannelBuffer),
		lastSlot:  make(map[Pubkey]uint64),
		slotCtr:   make(map[Pubkey]uint64),
	}
}

// Start begins streaming. The returned channel closes when ctx is cancelled
// or the reconnect budget is exhausted.
func (s *AccountStream) Start(ctx context.Context) (<-chan AccountUpdate, error) {
	if len(s.accounts) == 0 {
		return nil, fmt.Errorf("stream: no accounts to subscribe")
	}
	go s.runLoop(ctx)
	return s.updates, nil
}

// Connected reports whether the websocket is currently up.
func (s *AccountStream) Connected() bool {
	return s.connected.Load()
}

// SecondsSinceLastEvent returns the stream liveness age, or -1 before the
// first event.
func (s *AccountStream) SecondsSinceLastEvent() float64 {
	at := s.lastEventAt.Load()
	if at == 0 {
		return -1
	}
	return time.Since(time.UnixMicro(at)).Seconds()
}

func (s *AccountStream) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("stream: run loop panic recovered")
		}
		if s.closed.CompareAndSwap(false, true) {
			close(s.updates)
		}
	}()

	backoff := s.config.ReconnectMin
	reconnectCount := 0

	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return
		default:
		}

		if s.config.MaxReconnects > 0 && reconnectCount > s.config.MaxReconnects {
			log.Error().Int("max", s.config.MaxReconnects).Msg("stream: reconnect budget exhausted")
			return
		}

		if err := s.connect(ctx); err != nil {
			reconnectCount++
			s.reconnects.Add(1)
			// Jittered exponential backoff.
			sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
			log.Warn().Err(err).Dur("backoff", sleep).Msg("stream: connect failed")
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > s.config.ReconnectMax {
				backoff = s.config.ReconnectMax
			}
			continue
		}

		backoff = s.config.ReconnectMin
		s.readLoop(ctx)

		// Connection lost; resubscribe on next pass.
		s.disconnect()
		reconnectCount++
		s.reconnects.Add(1)
	}
}

func (s *AccountStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.config.Endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.subToAcct = make(map[int64]Pubkey)
	s.reqToAcct = make(map[int64]Pubkey)
	s.mu.Unlock()
	s.connected.Store(true)

	// Full resubscription: newest decoded state overrides anything stale.
	for _, acct := range s.accounts {
		id := s.nextID.Add(1)
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "accountSubscribe",
			Params: []any{
				acct.String(),
				map[string]string{"encoding": "base64", "commitment": "processed"},
			},
		}
		s.mu.Lock()
		s.reqToAcct[id] = acct
		err := conn.WriteJSON(req)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", acct, err)
		}
	}

	log.Info().Int("accounts", len(s.accounts)).Str("endpoint", s.config.Endpoint).Msg("stream: subscribed")
	return nil
}

func (s *AccountStream) disconnect() {
	s.connected.Store(false)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *AccountStream) readLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-pingTicker.C:
				s.mu.Lock()
				if s.conn != nil {
					_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				s.mu.Unlock()
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("stream: read error")
			}
			return
		}
		s.messagesRecv.Add(1)
		s.handleMessage(raw)
	}
}

type subscriptionResult struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  int64  `json:"result"`
}

type accountNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Data []string `json:"data"` // [payload, encoding]
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (s *AccountStream) handleMessage(raw []byte) {
	var notif accountNotification
	if err := json.Unmarshal(raw, &notif); err == nil && notif.Method == "accountNotification" {
		s.mu.RLock()
		acct, ok := s.subToAcct[notif.Params.Subscription]
		s.mu.RUnlock()
		if !ok {
			return
		}
		if len(notif.Params.Result.Value.Data) == 0 {
			return
		}
		data, err := base64.StdEncoding.DecodeString(notif.Params.Result.Value.Data[0])
		if err != nil {
			log.Warn().Err(err).Str("account", acct.String()).Msg("stream: bad account payload")
			return
		}

		now := time.Now()
		s.lastEventAt.Store(now.UnixMicro())
		update := AccountUpdate{
			Account:    acct,
			Data:       data,
			Slot:       notif.Params.Result.Context.Slot,
			Sequence:   s.nextSequence(acct, notif.Params.Result.Context.Slot),
			ReceivedAt: now,
		}
		select {
		case s.updates <- update:
		default:
			// Channel full: drop. The ingestor's coalescing queue is the
			// real backpressure boundary; this is a last-ditch shed.
			log.Warn().Str("account", acct.String()).Msg("stream: update channel full, dropping")
		}
		return
	}

	// Subscription confirmation: map request id -> subscription id.
	var sub subscriptionResult
	if err := json.Unmarshal(raw, &sub); err == nil && sub.ID != 0 && sub.Result != 0 {
		s.mu.Lock()
		if acct, ok := s.reqToAcct[sub.ID]; ok {
			s.subToAcct[sub.Result] = acct
			delete(s.reqToAcct, sub.ID)
		}
		s.mu.Unlock()
	}
}

// nextSequence derives a per-account strictly increasing sequence from the
// slot plus an intra-slot counter. Sequences survive reconnects because
// slots only move forward.
func (s *AccountStream) nextSequence(acct Pubkey, slot uint64) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if slot > s.lastSlot[acct] {
		s.lastSlot[acct] = slot
		s.slotCtr[acct] = 0
	} else {
		s.slotCtr[acct]++
	}
	return s.lastSlot[acct]<<16 | (s.slotCtr[acct] & 0xFFFF)
}

// Metrics returns stream counters.
func (s *AccountStream) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"messages_received_total": s.messagesRecv.Load(),
		"reconnects_total":        s.reconnects.Load(),
		"connected":               s.connected.Load(),
	}
}
