// Package core implements the authenticated encrypted transport that
// connects a signer process to one or more terminal processes (§4.1 of the
// protocol this package follows), plus the shared error taxonomy; the
// signing dispatcher itself lives in package signer.
package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the wire-level shape of a frame (§4.1).
type PacketType byte

const (
	PacketSinglePacket      PacketType = 1
	PacketAeadSetup         PacketType = 11
	PacketAeadPresentPubKey PacketType = 12
	PacketAeadEncInit       PacketType = 14
	PacketAeadEncAck        PacketType = 15
	PacketAeadRekey         PacketType = 16
	PacketAuthChallenge     PacketType = 21
	PacketAuthReply         PacketType = 22
	PacketAuthPropose       PacketType = 23
	PacketHeartbeat         PacketType = 30
	PacketDisconnect        PacketType = 31
)

func (t PacketType) known() bool {
	switch t {
	case PacketSinglePacket, PacketAeadSetup, PacketAeadPresentPubKey,
		PacketAeadEncInit, PacketAeadEncAck, PacketAeadRekey,
		PacketAuthChallenge, PacketAuthReply, PacketAuthPropose,
		PacketHeartbeat, PacketDisconnect:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case PacketSinglePacket:
		return "SinglePacket"
	case PacketAeadSetup:
		return "AeadSetup"
	case PacketAeadPresentPubKey:
		return "AeadPresentPubKey"
	case PacketAeadEncInit:
		return "AeadEncInit"
	case PacketAeadEncAck:
		return "AeadEncAck"
	case PacketAeadRekey:
		return "AeadRekey"
	case PacketAuthChallenge:
		return "AuthChallenge"
	case PacketAuthReply:
		return "AuthReply"
	case PacketAuthPropose:
		return "AuthPropose"
	case PacketHeartbeat:
		return "Heartbeat"
	case PacketDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// maxFrameLen bounds the plausible size of a decrypted length prefix
// (§4.2 decryption-failure rule, §8 boundary behaviour).
const maxFrameLen = 16 * 1024 * 1024

// Frame is a single parsed wire message. MessageID is only meaningful
// when Type == PacketSinglePacket.
type Frame struct {
	Type      PacketType
	MessageID uint32
	Payload   []byte
}

// ReadFrame reads one length-prefixed, unencrypted frame from r. It is used
// for the plaintext portion of the handshake (§4.3 steps 1-4) where no AEAD
// session exists yet. Once Established, frames are read via
// Connection.readEncrypted instead.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return Frame{}, ErrMalformedFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	if len(body) < 1 {
		return Frame{}, ErrMalformedFrame
	}
	typ := PacketType(body[0])
	if !typ.known() {
		return Frame{}, ErrUnknownType
	}
	rest := body[1:]
	var msgID uint32
	if typ == PacketSinglePacket {
		if len(rest) < 4 {
			return Frame{}, ErrMalformedFrame
		}
		msgID = binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
	}
	return Frame{Type: typ, MessageID: msgID, Payload: rest}, nil
}

// WriteFrame serialises and writes one unencrypted frame (§4.1 byte layout).
func WriteFrame(w io.Writer, f Frame) error {
	body := make([]byte, 0, 1+4+len(f.Payload))
	body = append(body, byte(f.Type))
	if f.Type == PacketSinglePacket {
		var idBuf [4]byte
		binary.LittleEndian.PutUint32(idBuf[:], f.MessageID)
		body = append(body, idBuf[:]...)
	}
	body = append(body, f.Payload...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
