package core

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"
)

// peerFileMagic and peerFileVersion identify the on-disk peer store format
// (§6): 4-byte magic "PRS1", 4-byte version, then a flat list of records.
var peerFileMagic = [4]byte{0x50, 0x52, 0x53, 0x31}

const peerFileVersion uint32 = 1

// Peer is a (name, identity public key) pair (§3). name is an opaque
// operator-chosen label, conventionally "host:port" for servers.
type Peer struct {
	Name   string
	PubKey [IdentityKeySize]byte
}

// peerStoreLogger may be overridden (SetPeerStoreLogger) by callers that
// want the store's log lines routed somewhere other than logrus's default.
var peerStoreLogger = log.New()

func SetPeerStoreLogger(l *log.Logger) { peerStoreLogger = l }

// KeyRotatedEvent is surfaced by PeerStore.Add when a name's pinned key
// changes (§4.4). It is informational, not an error.
type KeyRotatedEvent struct {
	Name   string
	OldKey [IdentityKeySize]byte
	NewKey [IdentityKeySize]byte
}

// PeerStore is the authorised-peer set plus the endpoint's own identity
// key (§3, §4.4). All mutations are serialized by mu; reads are
// infrequent (once per connection) so a single mutex is sufficient.
type PeerStore struct {
	mu        sync.Mutex
	path      string
	ephemeral bool
	own       *IdentityKey
	peers     map[string]Peer
	onRotate  func(KeyRotatedEvent)
}

// NewPeerStore constructs a store backed by path. If ephemeral is true no
// file is ever read or written (§4.4). onRotate, if non-nil, is called
// synchronously from Add whenever a name's key is replaced.
func NewPeerStore(path string, ephemeral bool, own *IdentityKey, onRotate func(KeyRotatedEvent)) (*PeerStore, error) {
	ps := &PeerStore{
		path:      path,
		ephemeral: ephemeral,
		own:       own,
		peers:     make(map[string]Peer),
		onRotate:  onRotate,
	}
	if ephemeral {
		return ps, nil
	}
	if err := ps.load(); err != nil {
		return nil, err
	}
	return ps, nil
}

// OwnIdentity returns the endpoint's own identity key.
func (ps *PeerStore) OwnIdentity() *IdentityKey { return ps.own }

func (ps *PeerStore) load() error {
	raw, err := os.ReadFile(ps.path)
	if errors.Is(err, os.ErrNotExist) {
		peerStoreLogger.Infof("peerstore: %s absent, starting empty", ps.path)
		return nil
	}
	if err != nil {
		return err
	}
	peers, err := decodePeerFile(raw)
	if err != nil {
		return fmt.Errorf("peerstore: malformed file %s: %w", ps.path, err)
	}
	for _, p := range peers {
		ps.peers[p.Name] = p
	}
	return nil
}

func decodePeerFile(raw []byte) (map[string]Peer, error) {
	r := bufio.NewReader(bytes.NewReader(raw))
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != peerFileMagic {
		return nil, errors.New("bad magic")
	}
	var verBuf [4]byte
	if _, err := io.ReadFull(r, verBuf[:]); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(verBuf[:]) != peerFileVersion {
		return nil, errors.New("unsupported peer file version")
	}
	out := make(map[string]Peer)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		nameLen := binary.LittleEndian.Uint16(lenBuf[:])
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, err
		}
		var keyBuf [IdentityKeySize]byte
		if _, err := io.ReadFull(r, keyBuf[:]); err != nil {
			return nil, err
		}
		out[string(nameBuf)] = Peer{Name: string(nameBuf), PubKey: keyBuf}
	}
	return out, nil
}

func encodePeerFile(peers map[string]Peer) []byte {
	var buf bytes.Buffer
	buf.Write(peerFileMagic[:])
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], peerFileVersion)
	buf.Write(verBuf[:])
	for _, p := range peers {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(p.Name)))
		buf.Write(lenBuf[:])
		buf.WriteString(p.Name)
		buf.Write(p.PubKey[:])
	}
	return buf.Bytes()
}

func (ps *PeerStore) persist() error {
	if ps.ephemeral {
		return nil
	}
	return writeFileAtomic(ps.path, encodePeerFile(ps.peers), 0o600)
}

// Add inserts or updates a peer. If name already exists with the same
// key, this is a no-op. If it exists with a different key, the new key
// replaces the old one and onRotate is invoked; the old key is not
// retained (§4.4).
func (ps *PeerStore) Add(name string, key [IdentityKeySize]byte) error {
	if _, err := btcec.ParsePubKey(key[:]); err != nil {
		return fmt.Errorf("peerstore: invalid public key for %q: %w", name, err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing, ok := ps.peers[name]
	if ok && existing.PubKey == key {
		return nil
	}
	ps.peers[name] = Peer{Name: name, PubKey: key}
	if err := ps.persist(); err != nil {
		return err
	}
	if ok {
		peerStoreLogger.WithFields(log.Fields{
			"peer":    name,
			"old_key": hexKey(existing.PubKey),
			"new_key": hexKey(key),
		}).Info("peerstore: key rotated")
		if ps.onRotate != nil {
			ps.onRotate(KeyRotatedEvent{Name: name, OldKey: existing.PubKey, NewKey: key})
		}
	}
	return nil
}

// Remove deletes name from the store. Idempotent (§4.4).
func (ps *PeerStore) Remove(name string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[name]; !ok {
		return nil
	}
	delete(ps.peers, name)
	return ps.persist()
}

// ReplaceAll atomically swaps the entire peer set; anything not present
// in peers is dropped (§4.4).
func (ps *PeerStore) ReplaceAll(peers []Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	next := make(map[string]Peer, len(peers))
	for _, p := range peers {
		if _, err := btcec.ParsePubKey(p.PubKey[:]); err != nil {
			return fmt.Errorf("peerstore: invalid public key for %q: %w", p.Name, err)
		}
		next[p.Name] = p
	}
	ps.peers = next
	return ps.persist()
}

// Lookup returns the pinned key for name, if any.
func (ps *PeerStore) Lookup(name string) (key [IdentityKeySize]byte, ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.peers[name]
	return p.PubKey, ok
}

// LookupByProposalHash scans all known peers for one whose AuthPropose
// hash (§4.3 step 7: SHA256("p" || session_id_in || pubkey)) matches
// proposed. The initiator's identity is never sent in the clear, so the
// responder must probe its peer list this way rather than looking up by
// name. Returns the matching peer's name and key, or ok=false if none
// match.
func (ps *PeerStore) LookupByProposalHash(sessionIDIn [sessionIDSize]byte, proposed [32]byte) (name string, key [IdentityKeySize]byte, ok bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range ps.peers {
		if challengeHash(authTagPropose, sessionIDIn, p.PubKey) == proposed {
			return p.Name, p.PubKey, true
		}
	}
	return "", key, false
}

// Enumerate returns a snapshot of all known peers.
func (ps *PeerStore) Enumerate() []Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}
