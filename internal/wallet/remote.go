package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Fmsticks2/SealGuard-sub002/internal/errclass"
	"github.com/Fmsticks2/SealGuard-sub002/pkg/logger"
)

// RemoteProvider speaks JSON-RPC over a WebSocket to a wallet application
// on the far end. Requests are correlated by id; unsolicited frames are
// provider notifications and surface as events in arrival order.
type RemoteProvider struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan rpcFrame
	events  chan Event
	done    chan struct{}
	closed  bool
	log     *logger.Logger
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcFrameError  `json:"error,omitempty"`
}

type rpcFrameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DialRemote connects to a wallet endpoint over WebSocket.
func DialRemote(ctx context.Context, url string, log *logger.Logger) (*RemoteProvider, error) {
	if log == nil {
		log = logger.NewDefault("wallet-remote")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errclass.Wrap(errclass.NoProvider, fmt.Errorf("no provider reachable at %s: %w", url, err))
	}

	p := &RemoteProvider{
		conn:    conn,
		pending: make(map[uint64]chan rpcFrame),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		log:     log,
	}
	go p.readLoop()
	return p, nil
}

// readLoop is the sole sender on p.events and closes it on exit.
func (p *RemoteProvider) readLoop() {
	defer close(p.events)
	for {
		var frame rpcFrame
		if err := p.conn.ReadJSON(&frame); err != nil {
			p.shutdown()
			return
		}

		if frame.ID != nil {
			p.mu.Lock()
			ch, ok := p.pending[*frame.ID]
			delete(p.pending, *frame.ID)
			p.mu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		if ev, ok := p.decodeNotification(frame); ok {
			select {
			case p.events <- ev:
			case <-p.done:
				return
			}
		}
	}
}

func (p *RemoteProvider) decodeNotification(frame rpcFrame) (Event, bool) {
	switch frame.Method {
	case "accountsChanged":
		var addresses []string
		if err := json.Unmarshal(frame.Params, &addresses); err != nil || len(addresses) == 0 {
			return Event{Type: EventDisconnected}, true
		}
		return Event{Type: EventAccountChanged, Address: addresses[0]}, true
	case "chainChanged":
		var params []string
		if err := json.Unmarshal(frame.Params, &params); err != nil || len(params) == 0 {
			return Event{}, false
		}
		id, ok := new(big.Int).SetString(strings.TrimPrefix(params[0], "0x"), 16)
		if !ok {
			return Event{}, false
		}
		return Event{Type: EventChainChanged, ChainID: id.Uint64()}, true
	case "disconnect":
		return Event{Type: EventDisconnected}, true
	default:
		p.log.WithField("method", frame.Method).Debug("ignoring notification")
		return Event{}, false
	}
}

func (p *RemoteProvider) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errclass.New(errclass.ProviderError, "provider disconnected")
	}
	p.nextID++
	id := p.nextID
	ch := make(chan rpcFrame, 1)
	p.pending[id] = ch

	rawParams, err := json.Marshal(params)
	if err != nil {
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	err = p.conn.WriteJSON(rpcFrame{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams})
	p.mu.Unlock()
	if err != nil {
		return nil, errclass.Wrap(errclass.NetworkError, fmt.Errorf("network error writing frame: %w", err))
	}

	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	case <-p.done:
		return nil, errclass.New(errclass.ProviderError, "provider disconnected")
	case frame := <-ch:
		if frame.Error != nil {
			return nil, fmt.Errorf("%s", frame.Error.Message)
		}
		return frame.Result, nil
	}
}

// RequestAccounts asks the remote wallet for account access.
func (p *RemoteProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	result, err := p.request(ctx, "eth_requestAccounts", []any{})
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}
	return accounts, nil
}

// ChainID returns the chain the remote wallet is on.
func (p *RemoteProvider) ChainID(ctx context.Context) (uint64, error) {
	result, err := p.request(ctx, "eth_chainId", []any{})
	if err != nil {
		return 0, err
	}
	var hexID string
	if err := json.Unmarshal(result, &hexID); err != nil {
		return 0, fmt.Errorf("unmarshal chain id: %w", err)
	}
	id, ok := new(big.Int).SetString(strings.TrimPrefix(hexID, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("malformed chain id %q", hexID)
	}
	return id.Uint64(), nil
}

// Sign requests a personal-sign signature from the remote wallet.
func (p *RemoteProvider) Sign(ctx context.Context, address string, message []byte) (string, error) {
	hexMsg := "0x" + hex.EncodeToString(message)
	result, err := p.request(ctx, "personal_sign", []any{hexMsg, address})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("unmarshal signature: %w", err)
	}
	return sig, nil
}

// SendTransaction submits a transaction through the remote wallet.
func (p *RemoteProvider) SendTransaction(ctx context.Context, from string, call Call) (string, error) {
	tx := map[string]string{
		"from": from,
		"to":   call.To,
		"data": "0x" + hex.EncodeToString(call.Data),
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		tx["value"] = "0x" + call.Value.Text(16)
	}

	result, err := p.request(ctx, "eth_sendTransaction", []any{tx})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", fmt.Errorf("unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// Events returns the provider event channel.
func (p *RemoteProvider) Events() <-chan Event { return p.events }

// Close tears down the WebSocket. Idempotent.
func (p *RemoteProvider) Close() error {
	p.shutdown()
	return nil
}

func (p *RemoteProvider) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pending = make(map[uint64]chan rpcFrame)
	p.mu.Unlock()

	close(p.done)
	_ = p.conn.Close()
}
