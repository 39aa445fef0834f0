// Package services bridges HTTP requests to the signer dispatcher. It
// plays the role the GUI adapter plays in §4.5: a single logical client
// that receives DecryptWalletRequest pushes and answers them with
// PasswordReceived, while every other terminal call is a plain
// request/reply round trip dispatched synchronously.
package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"headlesssigner/core"
	"headlesssigner/signer"
	"headlesssigner/wallet"
)

// guiClientID is the fixed client handle the bridge registers with the
// dispatcher as the GUI adapter (§4.5's DecryptWalletRequest target).
const guiClientID signer.ClientID = 1

var ErrDispatchTimeout = errors.New("guiserver: dispatch timed out waiting for a reply")

// terminalSink is the subset of *core.Connection the bridge needs to
// hand a terminal its reply, kept narrow so this package doesn't need to
// import net.Conn machinery it has no other use for.
type terminalSink interface {
	SendApplication(payload []byte) error
}

// Bridge owns the dispatcher and turns its callback-style reply delivery
// into ordinary blocking Go calls HTTP handlers can use directly. It also
// doubles as the dispatcher's outbound router for real terminal socket
// connections registered via RegisterTerminal, since both kinds of
// client share the one Dispatcher.
type Bridge struct {
	Dispatcher *signer.Dispatcher

	mu        sync.Mutex
	nextID    uint64
	waiters   map[signer.ClientID]map[uint32]chan signer.Envelope
	terminals map[signer.ClientID]terminalSink
	prompts   chan signer.Envelope
	timeout   time.Duration
}

func NewBridge(store wallet.Store, audit *core.AuditTrail) *Bridge {
	b := &Bridge{
		waiters:   make(map[signer.ClientID]map[uint32]chan signer.Envelope),
		terminals: make(map[signer.ClientID]terminalSink),
		prompts:   make(chan signer.Envelope, 64),
		timeout:   30 * time.Second,
	}
	b.Dispatcher = signer.NewDispatcher(store, audit, b.deliver)
	b.Dispatcher.OnGuiConnect(guiClientID)
	return b
}

// RegisterTerminal and UnregisterTerminal let cmd/signerd's accept loop
// plug a real socket connection into the dispatcher's reply routing.
func (b *Bridge) RegisterTerminal(clientID signer.ClientID, conn terminalSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminals[clientID] = conn
}

func (b *Bridge) UnregisterTerminal(clientID signer.ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.terminals, clientID)
}

// deliver is the dispatcher's send callback. A DecryptWalletRequest
// aimed at the GUI client is queued for the next NextPrompt poll; a
// reply for a registered terminal socket is written straight to its
// connection; everything else is routed back to whichever HTTP Call is
// waiting on it.
func (b *Bridge) deliver(clientID signer.ClientID, env signer.Envelope) {
	if clientID == guiClientID && env.Type == signer.ReqDecryptWalletRequest {
		select {
		case b.prompts <- env:
		default: // queue full: this prompt is dropped and its wallet stays pending in the dispatcher
		}
		return
	}

	b.mu.Lock()
	sink, isTerminal := b.terminals[clientID]
	var ch chan signer.Envelope
	if !isTerminal {
		ch = b.waiters[clientID][env.RequestID]
		if ch != nil {
			delete(b.waiters[clientID], env.RequestID)
		}
	}
	b.mu.Unlock()

	switch {
	case isTerminal:
		_ = sink.SendApplication(signer.EncodeEnvelope(env))
	case ch != nil:
		ch <- env
	}
}

// Call dispatches one request and blocks for its reply. Every HTTP
// request gets its own ephemeral client id, since nothing about this
// bridge's terminal-side calls needs to persist across requests.
func (b *Bridge) Call(typ signer.RequestType, body any) (signer.Envelope, error) {
	clientID := signer.ClientID(1000 + atomic.AddUint64(&b.nextID, 1))
	const requestID uint32 = 1

	ch := make(chan signer.Envelope, 1)
	b.mu.Lock()
	b.waiters[clientID] = map[uint32]chan signer.Envelope{requestID: ch}
	b.mu.Unlock()

	b.Dispatcher.Dispatch(clientID, signer.NewRequestEnvelope(typ, requestID, body))

	select {
	case env := <-ch:
		return env, nil
	case <-time.After(b.timeout):
		b.mu.Lock()
		delete(b.waiters[clientID], requestID)
		b.mu.Unlock()
		return signer.Envelope{}, ErrDispatchTimeout
	}
}

// NextPrompt blocks (up to timeout) for the next DecryptWalletRequest
// pushed to the GUI adapter, for a GET /prompts long-poll endpoint.
func (b *Bridge) NextPrompt(timeout time.Duration) (signer.Envelope, bool) {
	select {
	case env := <-b.prompts:
		return env, true
	case <-time.After(timeout):
		return signer.Envelope{}, false
	}
}

// SubmitPassword answers an outstanding prompt (POST /password).
func (b *Bridge) SubmitPassword(walletID, password string, ok bool) {
	b.Dispatcher.Dispatch(guiClientID, signer.NewRequestEnvelope(signer.ReqPasswordReceived, signer.NotificationRequestID, signer.PasswordReceived{
		WalletID: walletID,
		OK:       ok,
		Password: password,
	}))
}
