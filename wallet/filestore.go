package wallet

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"

	"headlesssigner/core"
)

var storeLogger = log.New()

// SetStoreLogger overrides the logger used for wallet lifecycle events.
func SetStoreLogger(l *log.Logger) { storeLogger = l }

// record is the on-disk metadata for one wallet, grounded on arcSignv2's
// wallet.json layout but generalized to track used addresses and a
// watch-only fork directly rather than as a separate file type.
type record struct {
	Info
	EncryptedSeedPath string         `json:"encrypted_seed_path,omitempty"`
	ExtendedPubKey    string         `json:"xpub,omitempty"`
	UsedAddr          []AddressEntry `json:"used_addresses,omitempty"`
	HighestExternal   uint32         `json:"highest_external"`
	HighestInternal   uint32         `json:"highest_internal"`
}

// FileStore is a reference wallet.Store backed by one directory per
// wallet under baseDir, each holding wallet.json plus (for spendable
// wallets) an encrypted seed blob. It is not a production wallet
// library: derivation is plain two-level BIP32 (chain, index), not full
// BIP44/49/84 account structure, since the offline-sign verifier (§4.6
// rule 7) only requires a two-component non-hardened change path.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore opens (or creates) a wallet directory at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (fs *FileStore) walletDir(id string) string { return filepath.Join(fs.baseDir, id) }
func (fs *FileStore) metaPath(id string) string  { return filepath.Join(fs.walletDir(id), "wallet.json") }
func (fs *FileStore) seedPath(id string) string  { return filepath.Join(fs.walletDir(id), "seed.enc") }

func (fs *FileStore) load(id string) (*record, error) {
	raw, err := os.ReadFile(fs.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("wallet: corrupt metadata for %s: %w", id, err)
	}
	return &rec, nil
}

func (fs *FileStore) save(rec *record) error {
	if err := os.MkdirAll(fs.walletDir(rec.ID), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return core.WriteFileAtomic(fs.metaPath(rec.ID), raw, 0o600)
}

func netParams(n NetType) *chaincfg.Params {
	if n == Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// passwordKey derives a 32-byte at-rest encryption key from a control or
// per-wallet password. An empty password still yields a deterministic
// key, matching a wallet created with no password set.
func passwordKey(password string) [32]byte {
	return sha256.Sum256([]byte("headlesssigner-wallet-key:" + password))
}

func (fs *FileStore) List() ([]Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := fs.load(e.Name())
		if err != nil {
			storeLogger.WithError(err).WithField("wallet", e.Name()).Warn("wallet: skipping unreadable entry")
			continue
		}
		out = append(out, rec.Info)
	}
	return out, nil
}

func (fs *FileStore) Info(walletID string) (Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return Info{}, err
	}
	return rec.Info, nil
}

func (fs *FileStore) UsedAddresses(walletID string) ([]AddressEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return nil, err
	}
	return rec.UsedAddr, nil
}

func (fs *FileStore) HighestIndices(walletID string) (uint32, uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return 0, 0, err
	}
	return rec.HighestExternal, rec.HighestInternal, nil
}

func (fs *FileStore) decryptSeed(rec *record, password string) ([]byte, error) {
	if rec.WatchOnly {
		return nil, ErrMissingPassword
	}
	blob, err := os.ReadFile(fs.seedPath(rec.ID))
	if err != nil {
		return nil, err
	}
	key := passwordKey(password)
	seed, err := core.Decrypt(key[:], blob, []byte(rec.ID))
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return seed, nil
}

func (fs *FileStore) DecryptedNode(walletID, password string) (string, []byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return "", nil, err
	}
	seed, err := fs.decryptSeed(rec, password)
	if err != nil {
		return "", nil, err
	}
	master, err := hdkeychain.NewMaster(seed, netParams(rec.Net))
	if err != nil {
		return "", nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	xpriv := master.String()
	return xpriv, seed, nil
}

func deriveChild(master *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	cur := master
	for _, idx := range path {
		if idx >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("wallet: hardened derivation not permitted here")
		}
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func addressForPubKey(pub *btcutil.AddressPubKey, typ AddressType, params *chaincfg.Params) (string, error) {
	hash := btcutil.Hash160(pub.ScriptAddress())
	switch typ {
	case AddressP2PKH:
		addr, err := btcutil.NewAddressPubKeyHash(hash, params)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case AddressP2SHP2WPKH:
		witnessProgram, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(hash).Script()
		if err != nil {
			return "", err
		}
		addr, err := btcutil.NewAddressScriptHash(witnessProgram, params)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	default: // AddressP2WPKH
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	}
}

func (fs *FileStore) deriveAddressLocked(rec *record, path []uint32) (string, error) {
	params := netParams(rec.Net)
	var node *hdkeychain.ExtendedKey
	if rec.ExtendedPubKey != "" {
		xpub, err := hdkeychain.NewKeyFromString(rec.ExtendedPubKey)
		if err != nil {
			return "", fmt.Errorf("wallet: parse stored xpub: %w", err)
		}
		node, err = deriveChild(xpub, path)
		if err != nil {
			return "", err
		}
	} else {
		return "", fmt.Errorf("wallet: %s requires a password to derive addresses", rec.ID)
	}
	pubKey, err := node.ECPubKey()
	if err != nil {
		return "", err
	}
	addrPub, err := btcutil.NewAddressPubKey(pubKey.SerializeCompressed(), params)
	if err != nil {
		return "", err
	}
	return addressForPubKey(addrPub, rec.DefaultAddressType, params)
}

// DeriveAddress derives the address at path using the wallet's stored
// extended public key, so it never requires a password (§4.6 rule 7:
// the verifier must check a claimed change address before any password
// has been supplied).
func (fs *FileStore) DeriveAddress(walletID string, path []uint32) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return "", err
	}
	return fs.deriveAddressLocked(rec, path)
}

// CreateHD creates a new spendable wallet. If seedOrXpriv is nil a fresh
// 24-word BIP39 mnemonic is generated; otherwise seedOrXpriv is used
// directly as the BIP32 seed.
func (fs *FileStore) CreateHD(name string, seedOrXpriv []byte, password string, net NetType) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	seed := seedOrXpriv
	if seed == nil {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return "", err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return "", err
		}
		seed = bip39.NewSeed(mnemonic, "")
	}
	defer core.Zeroize(seed)

	master, err := hdkeychain.NewMaster(seed, netParams(net))
	if err != nil {
		return "", fmt.Errorf("wallet: derive master key: %w", err)
	}
	neutered, err := master.Neuter()
	if err != nil {
		return "", err
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return "", err
	}
	fingerprint := btcutil.Hash160(pub.SerializeCompressed())[:4]

	walletID := uuid.NewString()
	key := passwordKey(password)
	blob, err := core.Encrypt(key[:], seed, []byte(walletID))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(fs.walletDir(walletID), 0o700); err != nil {
		return "", err
	}
	if err := core.WriteFileAtomic(fs.seedPath(walletID), blob, 0o600); err != nil {
		return "", err
	}

	rec := &record{
		Info: Info{
			ID:                 walletID,
			Name:               name,
			Net:                net,
			HasPassword:        password != "",
			HDRoot:             fmt.Sprintf("%x", fingerprint),
			DefaultAddressType: AddressP2WPKH,
			CreatedAt:          time.Now(),
		},
		ExtendedPubKey: neutered.String(),
	}
	if err := fs.save(rec); err != nil {
		return "", err
	}
	storeLogger.WithField("wallet", walletID).Info("wallet: created")
	return walletID, nil
}

func (fs *FileStore) Delete(walletID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.load(walletID); err != nil {
		return err
	}
	return os.RemoveAll(fs.walletDir(walletID))
}

// watchOnlyFile is the JSON shape of an exported/imported watch-only
// wallet: just enough to re-derive addresses, never the seed.
type watchOnlyFile struct {
	Info
	ExtendedPubKey string `json:"xpub"`
}

func (fs *FileStore) ImportWatchOnly(contents []byte, filename string) (Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var wo watchOnlyFile
	if err := json.Unmarshal(contents, &wo); err != nil {
		return Info{}, ErrMalformedImport
	}
	if wo.ExtendedPubKey == "" {
		return Info{}, ErrMalformedImport
	}
	wo.Info.ID = uuid.NewString()
	wo.Info.WatchOnly = true
	wo.Info.CreatedAt = time.Now()
	rec := &record{Info: wo.Info, ExtendedPubKey: wo.ExtendedPubKey}
	if err := fs.save(rec); err != nil {
		return Info{}, err
	}
	storeLogger.WithField("wallet", rec.ID).WithField("file", filename).Info("wallet: watch-only import")
	return rec.Info, nil
}

func (fs *FileStore) ExportWatchOnly(walletID string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return nil, err
	}
	wo := watchOnlyFile{Info: rec.Info, ExtendedPubKey: rec.ExtendedPubKey}
	wo.Info.WatchOnly = true
	return json.MarshalIndent(wo, "", "  ")
}

func (fs *FileStore) ChangePassword(walletID, oldPassword, newPassword string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(walletID)
	if err != nil {
		return err
	}
	if rec.WatchOnly {
		return ErrMissingPassword
	}
	seed, err := fs.decryptSeed(rec, oldPassword)
	if err != nil {
		return err
	}
	defer core.Zeroize(seed)

	newKey := passwordKey(newPassword)
	blob, err := core.Encrypt(newKey[:], seed, []byte(walletID))
	if err != nil {
		return err
	}
	// Write the re-encrypted seed to a temp path and only replace the
	// live file once both the write and the metadata update succeed, so
	// a mid-change failure leaves the old password in force (§4.5).
	tmpPath := fs.seedPath(walletID) + ".rekey"
	if err := core.WriteFileAtomic(tmpPath, blob, 0o600); err != nil {
		return err
	}
	rec.HasPassword = newPassword != ""
	if err := fs.save(rec); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, fs.seedPath(walletID))
}
