// Package signer implements the request dispatcher and the offline-sign
// verifier that sit above the transport core (package core) and the
// wallet store (package wallet). It lives in its own package because
// both of those are its dependencies and Go forbids the import cycle
// that would result from folding it into either one.
package signer

import (
	"bytes"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"headlesssigner/core"
	"headlesssigner/wallet"
)

// SpenderInput names one input of an offline sign request: the wallet
// that is supposed to own it, and the scriptPubKey/value of the output
// it spends, since a raw transaction alone doesn't carry that (§4.6
// rule 4).
type SpenderInput struct {
	WalletID     string
	OutputScript []byte
	Value        int64
}

// ChangeOutput describes the transaction's own change output, if any
// (§3, §4.6 rule 7).
type ChangeOutput struct {
	WalletID       string
	Address        string
	DerivationPath []uint32
	Value          int64
}

// OfflineSignRequest is the structured object carried by SignOfflineTx /
// VerifyOfflineTx (§3, §4.6).
type OfflineSignRequest struct {
	WalletIDs      []string
	RawTx          []byte // serialized wire.MsgTx, possibly partially signed
	Inputs         []SpenderInput
	Change         *ChangeOutput
	AllowBroadcast bool
	Expiry         *time.Time
}

func (r *OfflineSignRequest) parseTx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(r.RawTx)); err != nil {
		return nil, errors.Join(core.ErrFailedToParse, err)
	}
	return tx, nil
}

func netParamsFor(info wallet.Info) *chaincfg.Params {
	if info.Net == wallet.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// addressAndClass extracts the spendable address and script class from an
// output script (§4.6 rule 4), grounded on the same txscript extraction
// pattern the wallet package's teacher uses for address derivation.
func addressAndClass(script []byte, params *chaincfg.Params) (string, txscript.ScriptClass, error) {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil || len(addrs) == 0 {
		return "", txscript.NonStandardTy, core.ErrWrongAddress
	}
	return addrs[0].EncodeAddress(), class, nil
}

// scriptClassMatchesDefault checks that an input's script class is the
// wallet's default address type, or its P2SH variant (§4.6 rule 4).
func scriptClassMatchesDefault(class txscript.ScriptClass, def wallet.AddressType) bool {
	switch def {
	case wallet.AddressP2WPKH:
		return class == txscript.WitnessV0PubKeyHashTy || class == txscript.ScriptHashTy
	case wallet.AddressP2PKH:
		return class == txscript.PubKeyHashTy || class == txscript.ScriptHashTy
	case wallet.AddressP2SHP2WPKH:
		return class == txscript.ScriptHashTy
	default:
		return false
	}
}

// matchedInput is what verification learns about one spender input that
// signing later needs: which used-address entry it resolved to.
type matchedInput struct {
	path []uint32
}

// verifyOfflineSign runs every structural check of §4.6, in order, before
// any private key is touched. now is injected so tests can exercise the
// expiry boundary deterministically. On success it returns the parsed
// transaction and, for each req.Inputs entry, the derivation path that
// will be used to sign it.
func verifyOfflineSign(req *OfflineSignRequest, store wallet.Store, now time.Time) (*wire.MsgTx, []matchedInput, error) {
	// 1. allow_broadcast == false and expiry unset is nonsensical: the tx
	// could never be settled.
	if !req.AllowBroadcast && req.Expiry == nil {
		return nil, nil, core.ErrTxInvalidRequest
	}
	// 2. expired settlement.
	if req.Expiry != nil && req.Expiry.Before(now) {
		return nil, nil, core.ErrTxSettlementExpired
	}
	// 3. at least one wallet named.
	if len(req.WalletIDs) == 0 {
		return nil, nil, core.ErrWalletNotFound
	}

	tx, err := req.parseTx()
	if err != nil {
		return nil, nil, err
	}

	infos := make(map[string]wallet.Info, len(req.WalletIDs))
	var rootHD string
	for i, id := range req.WalletIDs {
		info, err := store.Info(id)
		if err != nil {
			return nil, nil, core.ErrWalletNotFound
		}
		infos[id] = info
		if i == 0 {
			rootHD = info.HDRoot
		} else if info.HDRoot != rootHD {
			// 5. every named wallet must share the same HD root.
			return nil, nil, core.ErrWalletNotFound
		}
	}

	root := infos[req.WalletIDs[0]]
	if root.WatchOnly && !root.HardwareDelegate {
		// 6. watch-only roots cannot sign unless delegating to hardware.
		return nil, nil, core.ErrWalletNotFound
	}

	// 8 (checked alongside 4, since both need the parsed input count).
	if len(req.Inputs) != len(tx.TxIn) {
		return nil, nil, core.ErrTxInvalidRequest
	}

	matches := make([]matchedInput, len(req.Inputs))
	for i, in := range req.Inputs {
		info, ok := infos[in.WalletID]
		if !ok {
			return nil, nil, core.ErrWalletNotFound
		}
		addr, class, err := addressAndClass(in.OutputScript, netParamsFor(info))
		if err != nil {
			return nil, nil, core.ErrWrongAddress
		}
		if !scriptClassMatchesDefault(class, info.DefaultAddressType) {
			return nil, nil, core.ErrWrongAddress
		}
		used, err := store.UsedAddresses(in.WalletID)
		if err != nil {
			return nil, nil, core.ErrWalletNotFound
		}
		var matchedPath []uint32
		for _, e := range used {
			if e.Used && e.Address == addr {
				matchedPath = e.Path
				break
			}
		}
		if matchedPath == nil {
			return nil, nil, core.ErrWrongAddress
		}
		matches[i] = matchedInput{path: matchedPath}
	}

	// 7. change output, if present.
	if req.Change != nil {
		if len(req.Change.DerivationPath) != 2 {
			return nil, nil, core.ErrWrongAddress
		}
		first := req.Change.DerivationPath[0]
		if first != 0 && first != 1 {
			return nil, nil, core.ErrWrongAddress
		}
		for _, idx := range req.Change.DerivationPath {
			if idx >= hdkeychain.HardenedKeyStart {
				return nil, nil, core.ErrWrongAddress
			}
		}
		derived, err := store.DeriveAddress(req.Change.WalletID, req.Change.DerivationPath)
		if err != nil || derived != req.Change.Address {
			return nil, nil, core.ErrWrongAddress
		}
	}

	return tx, matches, nil
}

// VerifyOfflineTx runs the §4.6 checks without signing (the VerifyOfflineTx
// request type).
func VerifyOfflineTx(req *OfflineSignRequest, store wallet.Store, now time.Time) error {
	_, _, err := verifyOfflineSign(req, store, now)
	return err
}
