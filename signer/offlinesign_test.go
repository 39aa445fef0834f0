package signer

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"headlesssigner/core"
	"headlesssigner/wallet"
)

// usedAddrStore lets a test pin exactly which addresses a FileStore-backed
// wallet reports as used, since FileStore itself only tracks that for
// addresses a real chain-sync would have reported (not exercised by this
// package's tests).
type usedAddrStore struct {
	*wallet.FileStore
	walletID string
	used     []wallet.AddressEntry
}

func (s *usedAddrStore) UsedAddresses(id string) ([]wallet.AddressEntry, error) {
	if id == s.walletID {
		return s.used, nil
	}
	return s.FileStore.UsedAddresses(id)
}

func newSignableWallet(t *testing.T, password string) (*usedAddrStore, string, []byte, int64) {
	t.Helper()
	fs, err := wallet.NewFileStore(t.TempDir())
	require.NoError(t, err)

	id, err := fs.CreateHD("primary", nil, password, wallet.Mainnet)
	require.NoError(t, err)

	addr, err := fs.DeriveAddress(id, []uint32{0, 0})
	require.NoError(t, err)

	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(decoded)
	require.NoError(t, err)

	store := &usedAddrStore{
		FileStore: fs,
		walletID:  id,
		used: []wallet.AddressEntry{
			{Address: addr, Path: []uint32{0, 0}, Used: true},
		},
	}
	const value = int64(150000)
	return store, id, script, value
}

func oneInputTx(t *testing.T) []byte {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{}, Index: 0}, nil, nil))
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func TestVerifyOfflineTxAcceptsMatchingInput(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	req := &OfflineSignRequest{
		WalletIDs:      []string{id},
		RawTx:          oneInputTx(t),
		Inputs:         []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		AllowBroadcast: true,
	}
	require.NoError(t, VerifyOfflineTx(req, store, time.Now()))
}

func TestVerifyOfflineTxRejectsUnsettleableRequest(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	req := &OfflineSignRequest{
		WalletIDs: []string{id},
		RawTx:     oneInputTx(t),
		Inputs:    []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		// AllowBroadcast false and no Expiry: can never settle.
	}
	err := VerifyOfflineTx(req, store, time.Now())
	require.ErrorIs(t, err, core.ErrTxInvalidRequest)
}

func TestVerifyOfflineTxRejectsExpiredSettlement(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	past := time.Now().Add(-time.Hour)
	req := &OfflineSignRequest{
		WalletIDs: []string{id},
		RawTx:     oneInputTx(t),
		Inputs:    []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		Expiry:    &past,
	}
	err := VerifyOfflineTx(req, store, time.Now())
	require.ErrorIs(t, err, core.ErrTxSettlementExpired)
}

func TestVerifyOfflineTxRejectsUnknownAddress(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	store.used = nil // the claimed output script was never actually issued
	req := &OfflineSignRequest{
		WalletIDs:      []string{id},
		RawTx:          oneInputTx(t),
		Inputs:         []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		AllowBroadcast: true,
	}
	err := VerifyOfflineTx(req, store, time.Now())
	require.ErrorIs(t, err, core.ErrWrongAddress)
}

func TestVerifyOfflineTxRejectsInputCountMismatch(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	req := &OfflineSignRequest{
		WalletIDs:      []string{id},
		RawTx:          oneInputTx(t), // one input on the wire
		Inputs:         []SpenderInput{{WalletID: id, OutputScript: script, Value: value}, {WalletID: id, OutputScript: script, Value: value}},
		AllowBroadcast: true,
	}
	err := VerifyOfflineTx(req, store, time.Now())
	require.ErrorIs(t, err, core.ErrTxInvalidRequest)
}

func TestSignOfflineTxProducesWitness(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	req := &OfflineSignRequest{
		WalletIDs:      []string{id},
		RawTx:          oneInputTx(t),
		Inputs:         []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		AllowBroadcast: true,
	}

	raw, err := SignOfflineTx(req, "hunter2", store, time.Now())
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	require.Len(t, tx.TxIn, 1)
	require.NotEmpty(t, tx.TxIn[0].Witness)
}

func TestSignOfflineTxWrongPasswordFails(t *testing.T) {
	store, id, script, value := newSignableWallet(t, "hunter2")
	req := &OfflineSignRequest{
		WalletIDs:      []string{id},
		RawTx:          oneInputTx(t),
		Inputs:         []SpenderInput{{WalletID: id, OutputScript: script, Value: value}},
		AllowBroadcast: true,
	}
	_, err := SignOfflineTx(req, "wrong-password", store, time.Now())
	require.ErrorIs(t, err, wallet.ErrInvalidPassword)
}
