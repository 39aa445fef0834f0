// Package config loads the HTTP bridge's environment configuration, the
// same .env + fallback-default shape the rest of this module uses.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port      string
	WalletDir string
	AuditLog  string
}

var AppConfig ServerConfig

// Load reads guiserver/.env if present (a missing file is not an error,
// since production deployments set these through the real environment)
// and falls back to sane defaults for local development.
func Load() error {
	if err := godotenv.Load("guiserver/.env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading env: %w", err)
	}
	port := os.Getenv("SIGNER_GUI_PORT")
	if port == "" {
		port = "8181"
	}
	walletDir := os.Getenv("SIGNER_WALLET_DIR")
	if walletDir == "" {
		walletDir = "./wallets"
	}
	auditLog := os.Getenv("SIGNER_AUDIT_LOG")
	if auditLog == "" {
		auditLog = "./signer-audit.log"
	}
	AppConfig = ServerConfig{Port: port, WalletDir: walletDir, AuditLog: auditLog}
	return nil
}
