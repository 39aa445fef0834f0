package signer

import (
	"bytes"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"headlesssigner/core"
	"headlesssigner/wallet"
)

// staticPrevOutputFetcher answers BIP143 sighash lookups for the inputs
// named in an OfflineSignRequest.
type staticPrevOutputFetcher map[wire.OutPoint]*wire.TxOut

func (f staticPrevOutputFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut { return f[op] }

func newPrevOutputFetcher(tx *wire.MsgTx, inputs []SpenderInput) staticPrevOutputFetcher {
	f := make(staticPrevOutputFetcher, len(inputs))
	for i, in := range inputs {
		if i >= len(tx.TxIn) {
			break
		}
		f[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Value, in.OutputScript)
	}
	return f
}

func deriveChild(master *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	cur := master
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func witnessScriptCode(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// signInput completes one input according to the wallet's default
// address type, appending either a witness (P2WPKH, P2SH-P2WPKH) or a
// legacy signature script (P2PKH).
func signInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, in SpenderInput, def wallet.AddressType, child *hdkeychain.ExtendedKey) error {
	priv, err := child.ECPrivKey()
	if err != nil {
		return core.ErrInternal
	}
	pubKey := priv.PubKey().SerializeCompressed()
	pubKeyHash := btcutil.Hash160(pubKey)

	switch def {
	case wallet.AddressP2PKH:
		sig, err := txscript.RawTxInSignature(tx, idx, in.OutputScript, txscript.SigHashAll, priv)
		if err != nil {
			return core.ErrInternal
		}
		sigScript, err := txscript.NewScriptBuilder().AddData(sig).AddData(pubKey).Script()
		if err != nil {
			return core.ErrInternal
		}
		tx.TxIn[idx].SignatureScript = sigScript
		return nil

	case wallet.AddressP2SHP2WPKH:
		redeemScript, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(pubKeyHash).Script()
		if err != nil {
			return core.ErrInternal
		}
		scriptCode, err := witnessScriptCode(pubKeyHash)
		if err != nil {
			return core.ErrInternal
		}
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, idx, in.Value, scriptCode, txscript.SigHashAll, priv)
		if err != nil {
			return core.ErrInternal
		}
		sigScript, err := txscript.NewScriptBuilder().AddData(redeemScript).Script()
		if err != nil {
			return core.ErrInternal
		}
		tx.TxIn[idx].SignatureScript = sigScript
		tx.TxIn[idx].Witness = wire.TxWitness{sig, pubKey}
		return nil

	default: // wallet.AddressP2WPKH
		scriptCode, err := witnessScriptCode(pubKeyHash)
		if err != nil {
			return core.ErrInternal
		}
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, idx, in.Value, scriptCode, txscript.SigHashAll, priv)
		if err != nil {
			return core.ErrInternal
		}
		tx.TxIn[idx].Witness = wire.TxWitness{sig, pubKey}
		return nil
	}
}

// SignOfflineTx runs the §4.6 verification, then derives the signing key
// for each matched input from the root wallet's decrypted seed and
// completes the transaction (the SignOfflineTx request type). Returns the
// raw serialized, fully signed transaction.
func SignOfflineTx(req *OfflineSignRequest, password string, store wallet.Store, now time.Time) ([]byte, error) {
	tx, matches, err := verifyOfflineSign(req, store, now)
	if err != nil {
		return nil, err
	}

	rootID := req.WalletIDs[0]
	_, seed, err := store.DecryptedNode(rootID, password)
	if err != nil {
		return nil, err
	}
	defer core.Zeroize(seed)

	info, err := store.Info(rootID)
	if err != nil {
		return nil, core.ErrWalletNotFound
	}
	master, err := hdkeychain.NewMaster(seed, netParamsFor(info))
	if err != nil {
		return nil, core.ErrInternal
	}

	sigHashes := txscript.NewTxSigHashes(tx, newPrevOutputFetcher(tx, req.Inputs))
	for i, in := range req.Inputs {
		child, err := deriveChild(master, matches[i].path)
		if err != nil {
			return nil, core.ErrInternal
		}
		walletInfo, ok := walletInfoFor(store, in.WalletID)
		if !ok {
			return nil, core.ErrWalletNotFound
		}
		if err := signInput(tx, sigHashes, i, in, walletInfo.DefaultAddressType, child); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, core.ErrInternal
	}
	return buf.Bytes(), nil
}

func walletInfoFor(store wallet.Store, id string) (wallet.Info, bool) {
	info, err := store.Info(id)
	if err != nil {
		return wallet.Info{}, false
	}
	return info, true
}
