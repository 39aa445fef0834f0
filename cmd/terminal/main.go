// Command terminal is the counterpart to cmd/signerd: it dials the
// signer process over the mutually authenticated transport, performs the
// BIP-150/151-style handshake as the initiator, and exercises the
// dispatcher's request types one at a time.
//
// By default the responder's identity key is learned from a cookie file
// (§4.4 CookieReadServerCookie) written by cmd/signerd at startup: the key
// it contains is the only one this connection will ever accept, and a
// mismatch fails closed immediately with no prompt. Passing --no-cookie
// switches to plain peer-store pinning (§4.4 CookieNotUsed) instead: the
// first time (or any time the key changes) signerd presents an identity
// under --server-name, the operator is prompted on stdin to accept or
// reject it before the handshake continues (§4.3 "Unknown responder key").
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"headlesssigner/core"
	"headlesssigner/signer"
	"headlesssigner/wallet"
)

type terminalOpts struct {
	addr            string
	identityKeyPath string
	peerStorePath   string
	cookiePath      string
	serverName      string
	ephemeral       bool
	noCookie        bool
}

func main() {
	opts := &terminalOpts{}
	root := &cobra.Command{Use: "terminal", Short: "talk to a running signerd over the terminal transport"}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:9735", "signerd terminal listen address")
	root.PersistentFlags().StringVar(&opts.identityKeyPath, "identity-key", "./terminal-identity.key", "this terminal's own identity key file")
	root.PersistentFlags().StringVar(&opts.peerStorePath, "peer-store", "./terminal-peers.json", "pinned peer keys for this terminal")
	root.PersistentFlags().StringVar(&opts.cookiePath, "cookie", "./signer.cookie", "signerd's cookie file (§4.4)")
	root.PersistentFlags().StringVar(&opts.serverName, "server-name", "signerd", "peer-store name under which signerd's key is pinned")
	root.PersistentFlags().BoolVar(&opts.ephemeral, "ephemeral", false, "never read or write identity/peer files")
	root.PersistentFlags().BoolVar(&opts.noCookie, "no-cookie", false, "use peer-store pinning with an interactive key prompt instead of the signerd cookie file")

	root.AddCommand(
		syncWalletInfoCmd(opts),
		syncWalletCmd(opts),
		createWalletCmd(opts),
		deleteWalletCmd(opts),
		decryptNodeCmd(opts),
		signOfflineCmd(opts),
		verifyOfflineCmd(opts),
		importWatchOnlyCmd(opts),
		exportWatchOnlyCmd(opts),
		changePasswordCmd(opts),
		autoSignActivateCmd(opts),
		autoSignDeactivateCmd(opts),
		setLimitsCmd(opts),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is one handshake-established connection used for exactly one
// request/reply round trip (plus however many password prompts that
// round trip suspends on along the way).
type session struct {
	conn *core.Connection
	raw  net.Conn
}

func dial(opts *terminalOpts) (*session, error) {
	own, err := core.LoadIdentityKey(opts.identityKeyPath, opts.ephemeral)
	if err != nil {
		return nil, fmt.Errorf("terminal: load identity: %w", err)
	}
	peers, err := core.NewPeerStore(opts.peerStorePath, opts.ephemeral, own, nil)
	if err != nil {
		return nil, fmt.Errorf("terminal: load peer store: %w", err)
	}

	raw, err := net.Dial("tcp", opts.addr)
	if err != nil {
		return nil, fmt.Errorf("terminal: dial %s: %w", opts.addr, err)
	}
	c := core.NewConnection(raw, own, peers, true, opts.serverName)

	if opts.noCookie {
		c.OnKeyPrompt = promptAcceptKey
	} else {
		serverKey, err := core.ReadCookieFile(opts.cookiePath)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("terminal: read signerd cookie: %w", err)
		}
		c.PinCookieKey(serverKey)
	}

	if err := c.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("terminal: handshake: %w", err)
	}
	go c.RunHeartbeat()
	return &session{conn: c, raw: raw}, nil
}

func (s *session) Close() { s.raw.Close() }

// promptAcceptKey is the OnKeyPrompt handler used when --no-cookie is set
// (§4.3 "Unknown responder key"): it shows the operator the server's
// proposed identity on stderr, noting any key it would replace, and reads
// an accept/reject answer from stdin. Anything other than "y"/"yes" is
// treated as a reject.
func promptAcceptKey(req core.KeyPromptRequired) bool {
	if req.HasOldKey {
		fmt.Fprintf(os.Stderr, "terminal: %q presented a different identity key than pinned\n", req.Name)
		fmt.Fprintf(os.Stderr, "  old: %s\n  new: %s\n", hex.EncodeToString(req.OldKey[:]), hex.EncodeToString(req.NewKey[:]))
	} else {
		fmt.Fprintf(os.Stderr, "terminal: %q presented an unpinned identity key: %s\n", req.Name, hex.EncodeToString(req.NewKey[:]))
	}
	fmt.Fprint(os.Stderr, "accept and pin this key? [y/N]: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// call sends one request and blocks for its matching reply. A
// DecryptWalletRequest that arrives on this connection meanwhile is
// answered by asking the operator on stdin (§4.5, §9); cmd/signerd itself
// pushes such prompts to its GUI adapter bridge, not to terminals.
func (s *session) call(typ signer.RequestType, body any) (signer.Envelope, error) {
	const requestID uint32 = 1
	if err := s.conn.SendApplication(signer.EncodeEnvelope(signer.NewRequestEnvelope(typ, requestID, body))); err != nil {
		return signer.Envelope{}, err
	}
	for {
		payload, err := s.conn.ReceiveApplication()
		if err != nil {
			return signer.Envelope{}, err
		}
		env, err := signer.DecodeEnvelope(payload)
		if err != nil {
			continue
		}
		if env.RequestID == requestID {
			return env, nil
		}
		if env.Type == signer.ReqDecryptWalletRequest {
			if err := s.answerPrompt(env); err != nil {
				return signer.Envelope{}, err
			}
			continue
		}
		// Unrelated notification (ReloadWallets, SyncSettings); ignore.
	}
}

func (s *session) answerPrompt(env signer.Envelope) error {
	req, err := signer.DecodeReply[signer.DecryptWalletRequest](env)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "password required for wallet %s: ", req.WalletID)
	reader := bufio.NewReader(os.Stdin)
	password, _ := reader.ReadString('\n')
	password = trimNewline(password)
	return s.conn.SendApplication(signer.EncodeEnvelope(signer.NewRequestEnvelope(signer.ReqPasswordReceived, signer.NotificationRequestID, signer.PasswordReceived{
		WalletID: req.WalletID,
		OK:       password != "",
		Password: password,
	})))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// run dials, issues one call, prints the reply (or its error) as JSON,
// and closes the connection. Every subcommand below is a thin wrapper
// around this.
func run(opts *terminalOpts, typ signer.RequestType, body any) {
	s, err := dial(opts)
	if err != nil {
		logrus.WithError(err).Fatal("terminal: connect failed")
	}
	defer s.Close()

	env, err := s.call(typ, body)
	if err != nil {
		logrus.WithError(err).Fatal("terminal: call failed")
	}
	if msg, isErr := signer.IsError(env); isErr {
		logrus.Fatalf("terminal: signerd returned an error: %s", msg)
	}
	out, _ := json.MarshalIndent(json.RawMessage(env.Payload), "", "  ")
	fmt.Println(string(out))
}

func syncWalletInfoCmd(opts *terminalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-wallet-info",
		Short: "list every known wallet and whether it carries its own password",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqSyncWalletInfo, struct{}{})
		},
	}
}

func syncWalletCmd(opts *terminalOpts) *cobra.Command {
	var walletID string
	cmd := &cobra.Command{
		Use:   "sync-wallet",
		Short: "fetch used addresses and the next derivation indices for a wallet",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqSyncWallet, signer.WalletIDRequest{WalletID: walletID})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	return cmd
}

func createWalletCmd(opts *terminalOpts) *cobra.Command {
	var name, password, netType, seedFile string
	cmd := &cobra.Command{
		Use:   "create-wallet",
		Short: "create a new HD wallet from a seed or an xpriv",
		Run: func(cmd *cobra.Command, args []string) {
			var seed []byte
			if seedFile != "" {
				var err error
				seed, err = os.ReadFile(seedFile)
				if err != nil {
					logrus.WithError(err).Fatal("terminal: read seed file")
				}
			}
			run(opts, signer.ReqCreateHDWallet, signer.CreateHDWalletRequest{
				Name:        name,
				SeedOrXpriv: seed,
				Password:    password,
				NetType:     netTypeFromFlag(netType),
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wallet name")
	cmd.Flags().StringVar(&password, "password", "", "wallet password (empty to fall back to the control password)")
	cmd.Flags().StringVar(&netType, "net", "mainnet", "mainnet or testnet")
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "path to a raw seed, used directly as the BIP32 seed (a serialized xpriv is not parsed)")
	return cmd
}

func deleteWalletCmd(opts *terminalOpts) *cobra.Command {
	var walletID string
	cmd := &cobra.Command{
		Use:   "delete-wallet",
		Short: "remove a wallet from the store",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqDeleteHDWallet, signer.WalletIDRequest{WalletID: walletID})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	return cmd
}

func decryptNodeCmd(opts *terminalOpts) *cobra.Command {
	var walletID, password string
	cmd := &cobra.Command{
		Use:   "decrypt-node",
		Short: "retrieve a wallet's decrypted extended private key (§4.6 offline export)",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqGetDecryptedNode, signer.DecryptedNodeRequest{WalletID: walletID, Password: password})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	cmd.Flags().StringVar(&password, "password", "", "wallet password (omit to be prompted)")
	return cmd
}

func signOfflineCmd(opts *terminalOpts) *cobra.Command {
	var walletID, password, txFile string
	var allowBroadcast bool
	cmd := &cobra.Command{
		Use:   "sign-offline",
		Short: "sign (or co-sign) a serialized transaction against this signer's wallets",
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := os.ReadFile(txFile)
			if err != nil {
				logrus.WithError(err).Fatal("terminal: read tx file")
			}
			run(opts, signer.ReqSignOfflineTx, signer.SignOfflineTxRequest{
				Request: signer.OfflineSignRequest{
					WalletIDs:      []string{walletID},
					RawTx:          raw,
					AllowBroadcast: allowBroadcast,
				},
				Password: password,
			})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id to sign with")
	cmd.Flags().StringVar(&password, "password", "", "wallet password (omit to be prompted)")
	cmd.Flags().StringVar(&txFile, "tx-file", "", "path to the serialized wire.MsgTx to sign")
	cmd.Flags().BoolVar(&allowBroadcast, "allow-broadcast", false, "mark the result safe for immediate broadcast once fully signed")
	return cmd
}

func verifyOfflineCmd(opts *terminalOpts) *cobra.Command {
	var walletID, txFile string
	cmd := &cobra.Command{
		Use:   "verify-offline",
		Short: "structurally verify a signed transaction without broadcasting it (§4.6)",
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := os.ReadFile(txFile)
			if err != nil {
				logrus.WithError(err).Fatal("terminal: read tx file")
			}
			run(opts, signer.ReqVerifyOfflineTx, signer.OfflineSignRequest{WalletIDs: []string{walletID}, RawTx: raw})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id the transaction claims to spend from")
	cmd.Flags().StringVar(&txFile, "tx-file", "", "path to the serialized wire.MsgTx to verify")
	return cmd
}

func importWatchOnlyCmd(opts *terminalOpts) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-watch-only",
		Short: "import a watch-only wallet export",
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := os.ReadFile(file)
			if err != nil {
				logrus.WithError(err).Fatal("terminal: read import file")
			}
			run(opts, signer.ReqImportWatchOnly, signer.ImportWatchOnlyRequest{Contents: raw, Filename: file})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "watch-only export file")
	return cmd
}

func exportWatchOnlyCmd(opts *terminalOpts) *cobra.Command {
	var walletID string
	cmd := &cobra.Command{
		Use:   "export-watch-only",
		Short: "export a wallet's watch-only descriptor",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqExportWatchOnly, signer.WalletIDRequest{WalletID: walletID})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	return cmd
}

func changePasswordCmd(opts *terminalOpts) *cobra.Command {
	var walletID, oldPassword, newPassword string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "change a wallet's own password",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqChangePassword, signer.ChangePasswordRequest{
				WalletID:    walletID,
				OldPassword: oldPassword,
				NewPassword: newPassword,
			})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "current password")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password")
	return cmd
}

func autoSignActivateCmd(opts *terminalOpts) *cobra.Command {
	var walletID, password string
	cmd := &cobra.Command{
		Use:   "autosign-activate",
		Short: "cache a wallet's password so future signs skip the prompt (§4.5)",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqAutoSignActivate, signer.AutoSignRequest{WalletID: walletID, Password: password})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	cmd.Flags().StringVar(&password, "password", "", "password to cache")
	return cmd
}

func autoSignDeactivateCmd(opts *terminalOpts) *cobra.Command {
	var walletID string
	cmd := &cobra.Command{
		Use:   "autosign-deactivate",
		Short: "drop a wallet's cached auto-sign password",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqAutoSignDeactivate, signer.WalletIDRequest{WalletID: walletID})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	return cmd
}

func setLimitsCmd(opts *terminalOpts) *cobra.Command {
	var walletID string
	var maxValue int64
	cmd := &cobra.Command{
		Use:   "set-limits",
		Short: "store a per-wallet value limit in the signer's memory (signing does not check it)",
		Run: func(cmd *cobra.Command, args []string) {
			run(opts, signer.ReqSetLimits, signer.SetLimitsRequest{WalletID: walletID, MaxValue: maxValue})
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet-id", "", "wallet id")
	cmd.Flags().Int64Var(&maxValue, "max-value", 0, "value limit to store, in satoshis")
	return cmd
}

func netTypeFromFlag(s string) wallet.NetType {
	if s == "testnet" {
		return wallet.Testnet
	}
	return wallet.Mainnet
}
