package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"headlesssigner/guiserver/services"
	"headlesssigner/signer"
)

// SignerController exposes the signer dispatcher's request types (§4.5)
// as a small HTTP API, the GUI adapter's concrete shape in this module.
type SignerController struct {
	bridge *services.Bridge
}

func NewSignerController(bridge *services.Bridge) *SignerController {
	return &SignerController{bridge: bridge}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respond forwards a dispatcher reply to the HTTP client: a 4xx with the
// protocol error message if the envelope carries one, 200 with the
// decoded payload otherwise.
func respond[T any](w http.ResponseWriter, env signer.Envelope, err error) {
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	if msg, isErr := signer.IsError(env); isErr {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	body, decErr := signer.DecodeReply[T](env)
	if decErr != nil {
		writeError(w, http.StatusInternalServerError, decErr.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeRequest[T any](r *http.Request) (T, error) {
	var out T
	err := json.NewDecoder(r.Body).Decode(&out)
	return out, err
}

func (sc *SignerController) SyncWalletInfo(w http.ResponseWriter, r *http.Request) {
	env, err := sc.bridge.Call(signer.ReqSyncWalletInfo, struct{}{})
	respond[[]signer.WalletSummary](w, env, err)
}

func (sc *SignerController) SyncWallet(w http.ResponseWriter, r *http.Request) {
	req := signer.WalletIDRequest{WalletID: mux.Vars(r)["walletID"]}
	env, err := sc.bridge.Call(signer.ReqSyncWallet, req)
	respond[signer.SyncWalletReply](w, env, err)
}

func (sc *SignerController) GetDecryptedNode(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.DecryptedNodeRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	req.WalletID = mux.Vars(r)["walletID"]
	env, err := sc.bridge.Call(signer.ReqGetDecryptedNode, req)
	respond[signer.DecryptedNodeReply](w, env, err)
}

func (sc *SignerController) SignOfflineTx(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.SignOfflineTxRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	env, err := sc.bridge.Call(signer.ReqSignOfflineTx, req)
	respond[signer.SignOfflineTxReply](w, env, err)
}

func (sc *SignerController) VerifyOfflineTx(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.OfflineSignRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	env, err := sc.bridge.Call(signer.ReqVerifyOfflineTx, req)
	respond[struct{}](w, env, err)
}

func (sc *SignerController) CreateHDWallet(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.CreateHDWalletRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	env, err := sc.bridge.Call(signer.ReqCreateHDWallet, req)
	respond[signer.CreateHDWalletReply](w, env, err)
}

func (sc *SignerController) DeleteHDWallet(w http.ResponseWriter, r *http.Request) {
	req := signer.WalletIDRequest{WalletID: mux.Vars(r)["walletID"]}
	env, err := sc.bridge.Call(signer.ReqDeleteHDWallet, req)
	respond[struct{}](w, env, err)
}

func (sc *SignerController) ImportWatchOnly(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.ImportWatchOnlyRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	env, err := sc.bridge.Call(signer.ReqImportWatchOnly, req)
	respond[signer.WalletSummary](w, env, err)
}

func (sc *SignerController) ExportWatchOnly(w http.ResponseWriter, r *http.Request) {
	req := signer.WalletIDRequest{WalletID: mux.Vars(r)["walletID"]}
	env, err := sc.bridge.Call(signer.ReqExportWatchOnly, req)
	respond[signer.ExportWatchOnlyReply](w, env, err)
}

func (sc *SignerController) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.ChangePasswordRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	req.WalletID = mux.Vars(r)["walletID"]
	env, err := sc.bridge.Call(signer.ReqChangePassword, req)
	respond[struct{}](w, env, err)
}

func (sc *SignerController) AutoSignActivate(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.AutoSignRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	req.WalletID = mux.Vars(r)["walletID"]
	env, err := sc.bridge.Call(signer.ReqAutoSignActivate, req)
	respond[struct{}](w, env, err)
}

func (sc *SignerController) AutoSignDeactivate(w http.ResponseWriter, r *http.Request) {
	req := signer.WalletIDRequest{WalletID: mux.Vars(r)["walletID"]}
	env, err := sc.bridge.Call(signer.ReqAutoSignDeactivate, req)
	respond[struct{}](w, env, err)
}

func (sc *SignerController) SetLimits(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.SetLimitsRequest](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	req.WalletID = mux.Vars(r)["walletID"]
	env, err := sc.bridge.Call(signer.ReqSetLimits, req)
	respond[struct{}](w, env, err)
}

// NextPrompt is the GUI adapter's long-poll endpoint for DecryptWalletRequest
// pushes (§4.5). A 204 means no prompt arrived before the poll timed out.
func (sc *SignerController) NextPrompt(w http.ResponseWriter, r *http.Request) {
	env, ok := sc.bridge.NextPrompt(25 * time.Second)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, err := signer.DecodeReply[signer.DecryptWalletRequest](env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// SubmitPassword answers an outstanding prompt (§4.5's PasswordReceived).
func (sc *SignerController) SubmitPassword(w http.ResponseWriter, r *http.Request) {
	req, decErr := decodeRequest[signer.PasswordReceived](r)
	if decErr != nil {
		writeError(w, http.StatusBadRequest, decErr.Error())
		return
	}
	sc.bridge.SubmitPassword(req.WalletID, req.Password, req.OK)
	w.WriteHeader(http.StatusAccepted)
}
