// Package wallet defines the interface the signer dispatcher and the
// offline-sign verifier use to reach wallet files, standing in for the
// hierarchical-deterministic wallet library the core protocol declares
// out of scope (§1). FileStore is a reference adapter exercising that
// interface with real BIP32/BIP39 derivation; it is not itself part of
// the protocol core.
package wallet

import (
	"errors"
	"time"
)

// NetType distinguishes mainnet from testnet wallets (SyncWalletInfo).
type NetType int

const (
	Mainnet NetType = iota
	Testnet
)

func (n NetType) String() string {
	if n == Testnet {
		return "testnet"
	}
	return "mainnet"
}

// AddressType is the script type a wallet derives by default (§4.6 rule 4).
type AddressType int

const (
	AddressP2WPKH AddressType = iota
	AddressP2PKH
	AddressP2SHP2WPKH
)

// Info is the summary returned by SyncWalletInfo / SyncHDWallet.
type Info struct {
	ID                 string
	Name               string
	Net                NetType
	HasPassword        bool
	WatchOnly          bool
	HardwareDelegate   bool // "signs" only by delegating to external hardware (§4.6 rule 6)
	HDRoot             string
	DefaultAddressType AddressType
	CreatedAt          time.Time
}

// AddressEntry is one entry of a wallet's used-address chain (SyncWallet).
type AddressEntry struct {
	Address string
	Path    []uint32 // BIP32 path components, e.g. [0, 14] for an external leaf
	Used    bool
}

// Errors returned by Store methods map directly onto the dispatcher's
// reply-level error taxonomy (§7); they are never transport/identity errors.
var (
	ErrNotFound         = errors.New("wallet: not found")
	ErrAlreadyPresent   = errors.New("wallet: already present")
	ErrInvalidPassword  = errors.New("wallet: invalid password")
	ErrMissingPassword  = errors.New("wallet: password required")
	ErrMalformedImport  = errors.New("wallet: malformed import file")
)

// Store is the collaborator the dispatcher (§4.5) and offline-sign
// verifier (§4.6) use to read and mutate wallet state. Every method may
// do blocking filesystem I/O; the dispatcher is responsible for never
// calling it from more than one goroutine at a time per wallet id.
type Store interface {
	// List returns a summary of every wallet known to the store
	// (SyncWalletInfo).
	List() ([]Info, error)

	// Info returns one wallet's summary, or ErrNotFound.
	Info(walletID string) (Info, error)

	// UsedAddresses returns every address the wallet has derived and
	// used, across both the external (0) and internal/change (1) chains
	// (SyncWallet, §4.6 rule 4).
	UsedAddresses(walletID string) ([]AddressEntry, error)

	// HighestIndices returns the highest derived index on the external
	// and internal chains respectively (SyncWallet).
	HighestIndices(walletID string) (external, internal uint32, err error)

	// DecryptedNode returns the wallet's extended private key and raw
	// seed under password (GetDecryptedNode).
	DecryptedNode(walletID, password string) (xpriv string, seed []byte, err error)

	// DeriveAddress derives the address at path without requiring a
	// password (public derivation only); used by the offline-sign
	// verifier to check a claimed change address (§4.6 rule 7).
	DeriveAddress(walletID string, path []uint32) (address string, err error)

	// CreateHD creates a new wallet from a freshly generated mnemonic
	// (seedOrXpriv nil) or an imported seed/xpriv, encrypted at rest
	// under password (CreateHDWallet).
	CreateHD(name string, seedOrXpriv []byte, password string, net NetType) (walletID string, err error)

	// Delete removes a wallet file (DeleteHDWallet).
	Delete(walletID string) error

	// ImportWatchOnly persists an externally produced watch-only wallet
	// file (ImportWatchOnly).
	ImportWatchOnly(contents []byte, filename string) (Info, error)

	// ExportWatchOnly returns the bytes of a watch-only fork of
	// walletID, forking it first if it is not already watch-only. If
	// walletID is already watch-only this is a no-op that returns the
	// existing file (SUPPLEMENTED FEATURES).
	ExportWatchOnly(walletID string) ([]byte, error)

	// ChangePassword re-encrypts a wallet's seed under newPassword,
	// verifying oldPassword first (ChangePassword). If the wallet has no
	// password yet, oldPassword must be empty.
	ChangePassword(walletID, oldPassword, newPassword string) error
}
