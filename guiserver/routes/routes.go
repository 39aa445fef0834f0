package routes

import (
	"github.com/gorilla/mux"

	"headlesssigner/guiserver/controllers"
	"headlesssigner/guiserver/middleware"
)

func Register(r *mux.Router, sc *controllers.SignerController) {
	r.Use(middleware.Logger)

	r.HandleFunc("/api/wallets", sc.SyncWalletInfo).Methods("GET")
	r.HandleFunc("/api/wallets", sc.CreateHDWallet).Methods("POST")
	r.HandleFunc("/api/wallets/{walletID}", sc.SyncWallet).Methods("GET")
	r.HandleFunc("/api/wallets/{walletID}", sc.DeleteHDWallet).Methods("DELETE")
	r.HandleFunc("/api/wallets/{walletID}/node", sc.GetDecryptedNode).Methods("POST")
	r.HandleFunc("/api/wallets/{walletID}/password", sc.ChangePassword).Methods("POST")
	r.HandleFunc("/api/wallets/{walletID}/export", sc.ExportWatchOnly).Methods("GET")
	r.HandleFunc("/api/wallets/{walletID}/autosign", sc.AutoSignActivate).Methods("POST")
	r.HandleFunc("/api/wallets/{walletID}/autosign", sc.AutoSignDeactivate).Methods("DELETE")
	r.HandleFunc("/api/wallets/{walletID}/limits", sc.SetLimits).Methods("POST")
	r.HandleFunc("/api/wallets/import", sc.ImportWatchOnly).Methods("POST")

	r.HandleFunc("/api/sign/offline", sc.SignOfflineTx).Methods("POST")
	r.HandleFunc("/api/sign/verify", sc.VerifyOfflineTx).Methods("POST")

	r.HandleFunc("/api/gui/prompts", sc.NextPrompt).Methods("GET")
	r.HandleFunc("/api/gui/password", sc.SubmitPassword).Methods("POST")
}
