package signer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

// RequestType enumerates the signer-dispatcher request taxonomy of §4.5,
// plus the SUPPLEMENTED notification types from original_source/
// (ReloadWallets, SyncSettings) and the two messages that drive password
// prompting across the GUI-adapter boundary.
type RequestType uint16

const (
	ReqSyncWalletInfo RequestType = iota + 1
	ReqSyncHDWallet
	ReqSyncWallet
	ReqGetDecryptedNode
	ReqSignOfflineTx
	ReqCreateHDWallet
	ReqDeleteHDWallet
	ReqImportWatchOnly
	ReqExportWatchOnly
	ReqChangePassword
	ReqAutoSignActivate
	ReqAutoSignDeactivate
	ReqSetLimits
	ReqVerifyOfflineTx

	// Zero-payload GUI-adapter-initiated notifications (request id 0),
	// never blocking requests (SUPPLEMENTED FEATURES).
	ReqReloadWallets
	ReqSyncSettings

	// Password-prompt multiplexing (§4.5).
	ReqDecryptWalletRequest // dispatcher -> GUI adapter, request_id 0
	ReqPasswordReceived     // GUI adapter -> dispatcher, request_id 0
)

// NotificationRequestID is the reserved id for server-pushed messages
// that do not correlate to a request (§3, §6).
const NotificationRequestID uint32 = 0

// Envelope is the wire shape of every request and reply carried by the
// signer dispatcher: `type:u16 | request_id:u32 | payload_len:u32 |
// payload:bytes` (§6). The payload's own encoding is left open by the
// spec; this implementation fixes it to JSON so every handler has one
// concrete, inspectable format.
type Envelope struct {
	Type      RequestType
	RequestID uint32
	Payload   []byte
}

func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, 2+4+4+len(e.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Type))
	binary.LittleEndian.PutUint32(buf[2:6], e.RequestID)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(e.Payload)))
	copy(buf[10:], e.Payload)
	return buf
}

var ErrEnvelopeTooShort = errors.New("signer: envelope shorter than its header")

func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) < 10 {
		return Envelope{}, ErrEnvelopeTooShort
	}
	typ := RequestType(binary.LittleEndian.Uint16(raw[0:2]))
	reqID := binary.LittleEndian.Uint32(raw[2:6])
	n := binary.LittleEndian.Uint32(raw[6:10])
	if uint32(len(raw)-10) != n {
		return Envelope{}, ErrEnvelopeTooShort
	}
	payload := make([]byte, n)
	copy(payload, raw[10:])
	return Envelope{Type: typ, RequestID: reqID, Payload: payload}, nil
}

func newEnvelope(typ RequestType, requestID uint32, body any) Envelope {
	payload, err := json.Marshal(body)
	if err != nil {
		panic(err) // body types are fixed struct literals; marshal never fails
	}
	return Envelope{Type: typ, RequestID: requestID, Payload: payload}
}

func decodeBody[T any](e Envelope) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	err := json.Unmarshal(e.Payload, &out)
	return out, err
}

// NewRequestEnvelope builds a JSON-payload envelope for callers outside
// this package (the HTTP bridge) that need to construct requests against
// a Dispatcher without reaching into its unexported request/reply types.
func NewRequestEnvelope(typ RequestType, requestID uint32, body any) Envelope {
	return newEnvelope(typ, requestID, body)
}

// DecodeReply unmarshals a reply envelope's JSON payload into T. Callers
// that only need the error (or nothing at all) can decode into
// struct{}{} and ignore the result.
func DecodeReply[T any](e Envelope) (T, error) {
	return decodeBody[T](e)
}

// IsError reports whether an envelope carries an error reply (Type 0,
// the sentinel used by errEnvelope) and decodes its message.
func IsError(e Envelope) (string, bool) {
	if e.Type != 0 {
		return "", false
	}
	body, err := decodeBody[errorReply](e)
	if err != nil || body.Error == "" {
		return "", false
	}
	return body.Error, true
}
