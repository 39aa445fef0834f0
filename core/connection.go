package core

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnectionState enumerates the handshake progression of §4.3. A
// Connection moves strictly forward through these states; any packet
// received out of order is ErrUnexpectedState.
type ConnectionState int

const (
	StateFresh ConnectionState = iota
	StateAwaitingServerKey
	StateAwaitingEncInit
	StateAwaitingEncAck
	StateAwaitingAuthChallenge1
	StateAwaitingAuthReply1
	StateAwaitingAuthPropose
	StateAwaitingAuthChallenge2
	StateAwaitingAuthReply2
	StateEstablished
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateAwaitingServerKey:
		return "AwaitingServerKey"
	case StateAwaitingEncInit:
		return "AwaitingEncInit"
	case StateAwaitingEncAck:
		return "AwaitingEncAck"
	case StateAwaitingAuthChallenge1:
		return "AwaitingAuthChallenge1"
	case StateAwaitingAuthReply1:
		return "AwaitingAuthReply1"
	case StateAwaitingAuthPropose:
		return "AwaitingAuthPropose"
	case StateAwaitingAuthChallenge2:
		return "AwaitingAuthChallenge2"
	case StateAwaitingAuthReply2:
		return "AwaitingAuthReply2"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionID indexes the process-wide connection registry (§9 Design
// Notes: "use an indexed handle rather than back-pointers, to keep the
// connection graph acyclic").
type ConnectionID uint64

var connectionIDSeq uint64

func nextConnectionID() ConnectionID {
	return ConnectionID(atomic.AddUint64(&connectionIDSeq, 1))
}

const (
	handshakeTimeout  = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	// heartbeatFallback is the tick interval of the initiator side, which
	// sends a heartbeat on every tick whether or not it has other traffic;
	// the responder ticks at heartbeatInterval (§4.1).
	heartbeatFallback = 1 * time.Second
	deadPeerTimeout   = 3 * heartbeatInterval
)

// KeyPromptRequired is raised by the initiator side of the handshake when
// AeadPresentPubKey (§4.3 step 2) delivers a responder identity key that is
// not what the initiator already trusts for Name: either there is no pinned
// key at all, or OldKey names one that differs from NewKey (a rotation).
// HasOldKey distinguishes the two. The consumer answers by returning true
// (accept: pin NewKey and resume the handshake) or false (reject: the
// handshake fails with ErrUnknownPeerKey). There is no third option.
//
// This is never raised for a cookie-pinned connection (Connection.PinCookieKey):
// a cookie mismatch is not a rotation candidate, it means the initiator
// dialed the wrong endpoint, so it fails closed immediately instead.
type KeyPromptRequired struct {
	Name      string
	HasOldKey bool
	OldKey    [IdentityKeySize]byte
	NewKey    [IdentityKeySize]byte
}

// Connection is one mutually authenticated transport session (§3, §4.1).
// Only one handshake runs at a time on a given Connection; once
// Established, Seal/Open and the dispatcher run concurrently with the
// heartbeat/rekey timers.
type Connection struct {
	ID       ConnectionID
	conn     net.Conn
	isClient bool // true for the initiator side of the handshake

	own   *IdentityKey
	peers *PeerStore
	name  string // remote peer's name, known up front for the client side

	// cookiePinned, if set, is the only responder identity key this
	// initiator connection will accept (§4.3 "Cookie mode",
	// CookieReadServerCookie): the peer store is bypassed entirely and a
	// mismatch closes the connection immediately with no OnKeyPrompt.
	cookiePinned *[IdentityKeySize]byte

	// OnKeyPrompt is invoked synchronously from the handshake goroutine
	// when the responder's identity key is unpinned or has changed since
	// it was last pinned (§4.3 "Unknown responder key"). A nil func
	// rejects unpinned/rotated keys outright.
	OnKeyPrompt func(KeyPromptRequired) bool

	mu         sync.Mutex
	state      ConnectionState
	session    *Session
	remotePub  [IdentityKeySize]byte
	localEph   *IdentityKey
	lastRecvAt time.Time
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewConnection wraps conn as either the initiator (isClient=true,
// connecting to the peer named name) or the responder (isClient=false).
func NewConnection(conn net.Conn, own *IdentityKey, peers *PeerStore, isClient bool, name string) *Connection {
	return &Connection{
		ID:       nextConnectionID(),
		conn:     conn,
		isClient: isClient,
		own:      own,
		peers:    peers,
		name:     name,
		state:    StateFresh,
		closed:   make(chan struct{}),
	}
}

// PinCookieKey switches an initiator connection into cookie mode (§4.4
// CookieReadServerCookie): key is the only responder identity accepted for
// this connection, and the peer store is not consulted. Must be called
// before Handshake.
func (c *Connection) PinCookieKey(key [IdentityKeySize]byte) {
	c.cookiePinned = &key
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current handshake state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close marks the connection closed and releases the socket. Safe to
// call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RemotePeerKey returns the authenticated remote identity key. Only
// meaningful once State() == StateEstablished.
func (c *Connection) RemotePeerKey() [IdentityKeySize]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotePub
}

// RunHeartbeat starts the heartbeat/dead-peer-detection loop (§4.1). It
// blocks until the connection closes and should be run in its own
// goroutine after Handshake succeeds.
func (c *Connection) RunHeartbeat() {
	interval := heartbeatInterval
	if c.isClient {
		interval = heartbeatFallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastRecvAt
			c.mu.Unlock()
			if !last.IsZero() && time.Since(last) > deadPeerTimeout {
				connLogger.WithField("conn", c.ID).Warn("connection: dead peer timeout, closing")
				c.Close()
				return
			}
			if err := c.sendEncrypted(PacketHeartbeat, nil); err != nil {
				connLogger.WithField("conn", c.ID).WithError(err).Warn("connection: heartbeat send failed")
				c.Close()
				return
			}
		}
	}
}

// SendApplication sends one opaque application-layer payload (the
// signer dispatcher's own envelope encoding) over the established AEAD
// channel. Only valid once State() == StateEstablished.
func (c *Connection) SendApplication(payload []byte) error {
	if c.State() != StateEstablished {
		return ErrUnexpectedState
	}
	return c.sendEncrypted(PacketSinglePacket, payload)
}

// ReceiveApplication blocks for the next application-layer payload,
// transparently skipping heartbeats (and, inside readEncrypted, rekey
// notices).
func (c *Connection) ReceiveApplication() ([]byte, error) {
	for {
		typ, payload, err := c.readEncrypted()
		if err != nil {
			return nil, err
		}
		if typ == PacketHeartbeat {
			continue
		}
		if typ != PacketSinglePacket {
			return nil, ErrUnexpectedState
		}
		return payload, nil
	}
}

func (c *Connection) touchRecv() {
	c.mu.Lock()
	c.lastRecvAt = time.Now()
	c.mu.Unlock()
}

var connLogger = log.New()

// SetConnectionLogger overrides the logger used for connection-lifecycle
// messages (heartbeat failures, dead-peer detection, disconnects).
func SetConnectionLogger(l *log.Logger) { connLogger = l }
