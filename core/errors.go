package core

import "errors"

// Transport errors (§7). Always fatal to the connection.
var (
	ErrMalformedFrame         = errors.New("transport: malformed frame")
	ErrUnknownType            = errors.New("transport: unknown packet type")
	ErrUnexpectedState        = errors.New("transport: unexpected state for packet")
	ErrConnectionClosed       = errors.New("transport: connection closed")
	ErrHandshakeTimeout       = errors.New("transport: handshake timeout")
	ErrAeadFailure            = errors.New("transport: aead open/seal failure")
	ErrUnsupportedCipherSuite = errors.New("transport: unsupported cipher suite")
)

// Identity errors (§7). Fatal except KeyRotated, which is an event.
var (
	ErrUnknownPeerKey   = errors.New("identity: unknown peer key")
	ErrSignatureInvalid = errors.New("identity: signature invalid")
	ErrCookieMissing    = errors.New("identity: cookie missing or malformed")
)

// Dispatcher errors (§7). Reply-level; never close the connection.
var (
	ErrWalletNotFound      = errors.New("dispatcher: wallet not found")
	ErrWalletAlreadyExists = errors.New("dispatcher: wallet already present")
	ErrInvalidPassword     = errors.New("dispatcher: invalid password")
	ErrMissingPassword     = errors.New("dispatcher: missing password")
	ErrAlreadyPrompting    = errors.New("dispatcher: already prompting for this wallet")
	ErrGuiDisconnected     = errors.New("dispatcher: gui adapter disconnected")
	ErrInternal            = errors.New("dispatcher: internal error")
)

// Offline-sign errors (§7 / §4.6). Reply-level; never close the connection.
var (
	ErrTxInvalidRequest    = errors.New("offlinesign: invalid request")
	ErrTxSettlementExpired = errors.New("offlinesign: settlement expired")
	ErrWrongAddress        = errors.New("offlinesign: wrong address")
	ErrFailedToParse       = errors.New("offlinesign: failed to parse")
)
