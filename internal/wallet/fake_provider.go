package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeProvider emulates a wallet without a node: Send answers with a
// deterministic hash of the request so callers get a stable tx hash.
type FakeProvider struct {
	Accounts []common.Address
	// SendErr, when set, is returned from every Send.
	SendErr error

	mu        sync.Mutex
	connected bool
	sends     int
}

func NewFakeProvider(accounts ...common.Address) *FakeProvider {
	return &FakeProvider{Accounts: accounts}
}

func (f *FakeProvider) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeProvider) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeProvider) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeProvider) ListAccounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrDisconnected
	}
	return append([]common.Address(nil), f.Accounts...), nil
}

func (f *FakeProvider) Send(_ context.Context, method string, params []any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if !f.connected {
		return nil, ErrDisconnected
	}
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return json.Marshal(fakeHash(method + string(payload)))
}

// Sends reports how many Send calls were made.
func (f *FakeProvider) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
