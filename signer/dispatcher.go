package signer

import (
	"sync"
	"time"

	"headlesssigner/core"
	"headlesssigner/wallet"
)

// ClientID names one connected terminal (or the GUI adapter, which is
// just another client from the dispatcher's point of view) for outbound
// routing. The transport layer (package core) owns the actual connection
// and request_id correlation, the dispatcher only needs a handle to
// reach a given client again for a deferred reply.
type ClientID uint64

// ControlPasswordState tracks the process-wide password that protects
// every wallet created without a password of its own (§4.5, §9).
type ControlPasswordState int

const (
	ControlRequestedNew ControlPasswordState = iota
	ControlAccepted
	ControlRejected
)

// WalletSummary is the SyncWalletInfo reply element.
type WalletSummary struct {
	WalletID    string `json:"wallet_id"`
	Name        string `json:"name"`
	NetType     string `json:"net_type"`
	HasPassword bool   `json:"has_password"`
}

type WalletIDRequest struct {
	WalletID string `json:"wallet_id"`
}

type SyncWalletReply struct {
	Used            []wallet.AddressEntry `json:"used"`
	HighestExternal uint32                `json:"highest_external"`
	HighestInternal uint32                `json:"highest_internal"`
}

type DecryptedNodeRequest struct {
	WalletID string `json:"wallet_id"`
	Password string `json:"password"`
}

type DecryptedNodeReply struct {
	XPriv string `json:"xpriv"`
	Seed  []byte `json:"seed"`
}

type SignOfflineTxRequest struct {
	Request  OfflineSignRequest `json:"request"`
	Password string             `json:"password"`
}

type SignOfflineTxReply struct {
	RawTx []byte `json:"raw_tx"`
}

type CreateHDWalletRequest struct {
	Name        string         `json:"name"`
	SeedOrXpriv []byte         `json:"seed_or_xpriv"`
	Password    string         `json:"password"`
	NetType     wallet.NetType `json:"net_type"`
}

type CreateHDWalletReply struct {
	WalletID string `json:"wallet_id"`
}

type ImportWatchOnlyRequest struct {
	Contents []byte `json:"contents"`
	Filename string `json:"filename"`
}

type ExportWatchOnlyReply struct {
	Contents []byte `json:"contents"`
}

type ChangePasswordRequest struct {
	WalletID    string `json:"wallet_id"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type AutoSignRequest struct {
	WalletID string `json:"wallet_id"`
	Password string `json:"password"`
}

type SetLimitsRequest struct {
	WalletID string `json:"wallet_id"`
	MaxValue int64  `json:"max_value"`
}

// DecryptWalletRequest is pushed to the GUI adapter when a handler needs
// a password it does not already have (§4.5).
type DecryptWalletRequest struct {
	WalletID string `json:"wallet_id"`
}

type PasswordReceived struct {
	WalletID string `json:"wallet_id"`
	OK       bool   `json:"ok"`
	Password string `json:"password"`
}

type errorReply struct {
	Error string `json:"error"`
}

func errEnvelope(requestID uint32, err error) Envelope {
	return newEnvelope(0, requestID, errorReply{Error: err.Error()})
}

type autoSignEntry struct {
	password string
	expires  time.Time
}

// pendingPrompt is a suspended request waiting on a password, modeled as
// an explicit state object keyed by wallet id rather than a blocked
// goroutine (§9): resume runs the deferred handler logic and sends its
// own reply once the password arrives.
type pendingPrompt struct {
	clientID  ClientID
	requestID uint32
	resume    func(password string, ok bool)
}

// Dispatcher implements the signer request/reply protocol of §4.5. All
// requests are processed under a single lock, modeling the single
// logical dispatch thread called for by §5's concurrency model: the
// dispatcher itself never blocks waiting on a password, it suspends and
// returns, and resumes later when PasswordReceived arrives.
type Dispatcher struct {
	mu sync.Mutex

	store wallet.Store
	audit *core.AuditTrail

	send func(clientID ClientID, env Envelope)

	controlState    ControlPasswordState
	controlPassword string

	pending  map[string]*pendingPrompt
	autoSign map[string]autoSignEntry
	limits   map[string]int64

	guiConnected bool
	guiClient    ClientID
}

// NewDispatcher builds a dispatcher against a wallet store, an audit
// trail for §7 forensic logging, and a send callback used for replies
// and server-pushed notifications (request id 0).
func NewDispatcher(store wallet.Store, audit *core.AuditTrail, send func(ClientID, Envelope)) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		audit:    audit,
		send:     send,
		pending:  make(map[string]*pendingPrompt),
		autoSign: make(map[string]autoSignEntry),
		limits:   make(map[string]int64),
	}
	d.bootstrapControlPassword()
	return d
}

// bootstrapControlPassword inspects the wallets already on disk to learn
// whether a control password is already in force, absent, or needs to be
// supplied before any wallet lacking its own password can be touched.
func (d *Dispatcher) bootstrapControlPassword() {
	list, err := d.store.List()
	if err != nil || len(list) == 0 {
		d.controlState = ControlRequestedNew
		return
	}
	for _, w := range list {
		if w.HasPassword || w.WatchOnly {
			continue
		}
		if _, _, err := d.store.DecryptedNode(w.ID, ""); err != nil {
			d.controlState = ControlRejected
			return
		}
	}
	d.controlState = ControlAccepted
}

// ControlState reports the current control-password state machine
// position (RequestedNew / Accepted / Rejected, §4.5).
func (d *Dispatcher) ControlState() ControlPasswordState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlState
}

// SetControlPassword accepts a freshly supplied control password while
// in RequestedNew, without re-encrypting anything (there is nothing to
// re-encrypt yet).
func (d *Dispatcher) SetControlPassword(password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controlPassword = password
	d.controlState = ControlAccepted
}

// ChangeControlPassword re-encrypts every control-password-protected
// wallet (those without a password of their own) under a new control
// password, atomically: if any wallet's re-encryption fails, every
// wallet already changed in this call is rolled back before returning,
// so the control password in force never ends up split across wallets
// (§4.5's "RequestedNew/Accepted/Rejected ... atomic" requirement).
func (d *Dispatcher) ChangeControlPassword(oldPassword, newPassword string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	list, err := d.store.List()
	if err != nil {
		return core.ErrInternal
	}
	var changed []string
	for _, w := range list {
		if w.HasPassword {
			continue
		}
		if err := d.store.ChangePassword(w.ID, oldPassword, newPassword); err != nil {
			for _, id := range changed {
				_ = d.store.ChangePassword(id, newPassword, oldPassword)
			}
			return core.ErrInvalidPassword
		}
		changed = append(changed, w.ID)
	}
	d.controlPassword = newPassword
	d.controlState = ControlAccepted
	if d.audit != nil {
		_ = d.audit.Log("control_password_changed", map[string]string{"wallets": itoa(len(changed))})
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// OnGuiConnect/OnGuiDisconnect track the single GUI adapter connection
// that password prompts are pushed to.
func (d *Dispatcher) OnGuiConnect(clientID ClientID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guiConnected = true
	d.guiClient = clientID
}

// OnGuiDisconnect cancels every outstanding prompt with GuiDisconnected
// (§4.5), since none of them can ever be resumed now.
func (d *Dispatcher) OnGuiDisconnect() {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingPrompt)
	d.guiConnected = false
	d.mu.Unlock()

	for _, p := range pending {
		d.send(p.clientID, errEnvelope(p.requestID, core.ErrGuiDisconnected))
	}
}

// resolvePassword returns a password ready to use immediately: supplied
// directly on the request, or cached from a prior AutoSignActivate.
func (d *Dispatcher) resolvePassword(walletID, supplied string) (string, bool) {
	if supplied != "" {
		return supplied, true
	}
	if entry, ok := d.autoSign[walletID]; ok && time.Now().Before(entry.expires) {
		return entry.password, true
	}
	return "", false
}

// withPassword runs onReady(password) immediately if a password is
// already available, otherwise suspends the request by pushing a
// DecryptWalletRequest to the GUI adapter and registering a resume
// closure keyed by walletID. A second concurrent request against the
// same wallet is rejected with AlreadyPrompting rather than queued.
func (d *Dispatcher) withPassword(clientID ClientID, requestID uint32, walletID, supplied string, onReady func(password string) Envelope) {
	if password, ok := d.resolvePassword(walletID, supplied); ok {
		d.send(clientID, onReady(password))
		return
	}
	if _, busy := d.pending[walletID]; busy {
		d.send(clientID, errEnvelope(requestID, core.ErrAlreadyPrompting))
		return
	}
	if !d.guiConnected {
		d.send(clientID, errEnvelope(requestID, core.ErrGuiDisconnected))
		return
	}
	d.pending[walletID] = &pendingPrompt{
		clientID:  clientID,
		requestID: requestID,
		resume: func(password string, ok bool) {
			if !ok {
				d.send(clientID, errEnvelope(requestID, core.ErrInvalidPassword))
				return
			}
			d.send(clientID, onReady(password))
		},
	}
	d.send(d.guiClient, newEnvelope(ReqDecryptWalletRequest, NotificationRequestID, DecryptWalletRequest{WalletID: walletID}))
}

// Dispatch handles one inbound envelope from clientID and sends its
// reply (or its suspension, or no reply at all for notifications)
// through the dispatcher's send callback. It is the single serialization
// point for the whole protocol (§5).
func (d *Dispatcher) Dispatch(clientID ClientID, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch env.Type {
	case ReqSyncWalletInfo:
		d.handleSyncWalletInfo(clientID, env)
	case ReqSyncHDWallet, ReqSyncWallet:
		d.handleSyncWallet(clientID, env)
	case ReqGetDecryptedNode:
		d.handleGetDecryptedNode(clientID, env)
	case ReqSignOfflineTx:
		d.handleSignOfflineTx(clientID, env)
	case ReqVerifyOfflineTx:
		d.handleVerifyOfflineTx(clientID, env)
	case ReqCreateHDWallet:
		d.handleCreateHDWallet(clientID, env)
	case ReqDeleteHDWallet:
		d.handleDeleteHDWallet(clientID, env)
	case ReqImportWatchOnly:
		d.handleImportWatchOnly(clientID, env)
	case ReqExportWatchOnly:
		d.handleExportWatchOnly(clientID, env)
	case ReqChangePassword:
		d.handleChangePassword(clientID, env)
	case ReqAutoSignActivate:
		d.handleAutoSignActivate(clientID, env)
	case ReqAutoSignDeactivate:
		d.handleAutoSignDeactivate(clientID, env)
	case ReqSetLimits:
		d.handleSetLimits(clientID, env)
	case ReqPasswordReceived:
		d.handlePasswordReceived(env)
	case ReqReloadWallets, ReqSyncSettings:
		// Notifications: no reply.
	default:
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
	}
}

func (d *Dispatcher) handleSyncWalletInfo(clientID ClientID, env Envelope) {
	list, err := d.store.List()
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	out := make([]WalletSummary, len(list))
	for i, w := range list {
		out[i] = WalletSummary{WalletID: w.ID, Name: w.Name, NetType: w.Net.String(), HasPassword: w.HasPassword}
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, out))
}

func (d *Dispatcher) handleSyncWallet(clientID ClientID, env Envelope) {
	req, err := decodeBody[WalletIDRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	used, err := d.store.UsedAddresses(req.WalletID)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrWalletNotFound))
		return
	}
	ext, internal, err := d.store.HighestIndices(req.WalletID)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrWalletNotFound))
		return
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, SyncWalletReply{Used: used, HighestExternal: ext, HighestInternal: internal}))
}

func (d *Dispatcher) handleGetDecryptedNode(clientID ClientID, env Envelope) {
	req, err := decodeBody[DecryptedNodeRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	d.withPassword(clientID, env.RequestID, req.WalletID, req.Password, func(password string) Envelope {
		xpriv, seed, err := d.store.DecryptedNode(req.WalletID, password)
		if err != nil {
			return errEnvelope(env.RequestID, err)
		}
		defer core.Zeroize(seed)
		return newEnvelope(env.Type, env.RequestID, DecryptedNodeReply{XPriv: xpriv, Seed: seed})
	})
}

func (d *Dispatcher) handleSignOfflineTx(clientID ClientID, env Envelope) {
	req, err := decodeBody[SignOfflineTxRequest](env)
	if err != nil || len(req.Request.WalletIDs) == 0 {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrTxInvalidRequest))
		return
	}
	rootID := req.Request.WalletIDs[0]
	d.withPassword(clientID, env.RequestID, rootID, req.Password, func(password string) Envelope {
		raw, err := SignOfflineTx(&req.Request, password, d.store, time.Now())
		if err != nil {
			if d.audit != nil {
				_ = d.audit.Log("offline_sign_rejected", map[string]string{"wallet_id": rootID, "reason": err.Error()})
			}
			return errEnvelope(env.RequestID, err)
		}
		return newEnvelope(env.Type, env.RequestID, SignOfflineTxReply{RawTx: raw})
	})
}

func (d *Dispatcher) handleVerifyOfflineTx(clientID ClientID, env Envelope) {
	req, err := decodeBody[OfflineSignRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrFailedToParse))
		return
	}
	if err := VerifyOfflineTx(&req, d.store, time.Now()); err != nil {
		d.send(clientID, errEnvelope(env.RequestID, err))
		return
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handleCreateHDWallet(clientID ClientID, env Envelope) {
	req, err := decodeBody[CreateHDWalletRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	password := req.Password
	if password == "" {
		password = d.controlPassword
	}
	id, err := d.store.CreateHD(req.Name, req.SeedOrXpriv, password, req.NetType)
	if err != nil {
		mapped := core.ErrInternal
		if err == wallet.ErrAlreadyPresent {
			mapped = core.ErrWalletAlreadyExists
		}
		d.send(clientID, errEnvelope(env.RequestID, mapped))
		return
	}
	if d.audit != nil {
		_ = d.audit.Log("wallet_created", map[string]string{"wallet_id": id})
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, CreateHDWalletReply{WalletID: id}))
}

func (d *Dispatcher) handleDeleteHDWallet(clientID ClientID, env Envelope) {
	req, err := decodeBody[WalletIDRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	if err := d.store.Delete(req.WalletID); err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrWalletNotFound))
		return
	}
	delete(d.autoSign, req.WalletID)
	if d.audit != nil {
		_ = d.audit.Log("wallet_deleted", map[string]string{"wallet_id": req.WalletID})
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handleImportWatchOnly(clientID ClientID, env Envelope) {
	req, err := decodeBody[ImportWatchOnlyRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	info, err := d.store.ImportWatchOnly(req.Contents, req.Filename)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, WalletSummary{WalletID: info.ID, Name: info.Name, NetType: info.Net.String(), HasPassword: info.HasPassword}))
}

func (d *Dispatcher) handleExportWatchOnly(clientID ClientID, env Envelope) {
	req, err := decodeBody[WalletIDRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	blob, err := d.store.ExportWatchOnly(req.WalletID)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrWalletNotFound))
		return
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, ExportWatchOnlyReply{Contents: blob}))
}

func (d *Dispatcher) handleChangePassword(clientID ClientID, env Envelope) {
	req, err := decodeBody[ChangePasswordRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	if req.NewPassword == "" {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrMissingPassword))
		return
	}
	if err := d.store.ChangePassword(req.WalletID, req.OldPassword, req.NewPassword); err != nil {
		mapped := core.ErrInternal
		switch err {
		case wallet.ErrNotFound:
			mapped = core.ErrWalletNotFound
		case wallet.ErrInvalidPassword:
			mapped = core.ErrInvalidPassword
		}
		d.send(clientID, errEnvelope(env.RequestID, mapped))
		return
	}
	delete(d.autoSign, req.WalletID)
	if d.audit != nil {
		_ = d.audit.Log("wallet_password_changed", map[string]string{"wallet_id": req.WalletID})
	}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handleAutoSignActivate(clientID ClientID, env Envelope) {
	req, err := decodeBody[AutoSignRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	if _, _, err := d.store.DecryptedNode(req.WalletID, req.Password); err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInvalidPassword))
		return
	}
	d.autoSign[req.WalletID] = autoSignEntry{password: req.Password, expires: time.Now().Add(24 * time.Hour)}
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handleAutoSignDeactivate(clientID ClientID, env Envelope) {
	req, err := decodeBody[WalletIDRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	delete(d.autoSign, req.WalletID)
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handleSetLimits(clientID ClientID, env Envelope) {
	req, err := decodeBody[SetLimitsRequest](env)
	if err != nil {
		d.send(clientID, errEnvelope(env.RequestID, core.ErrInternal))
		return
	}
	d.limits[req.WalletID] = req.MaxValue
	d.send(clientID, newEnvelope(env.Type, env.RequestID, struct{}{}))
}

func (d *Dispatcher) handlePasswordReceived(env Envelope) {
	req, err := decodeBody[PasswordReceived](env)
	if err != nil {
		return
	}
	p, ok := d.pending[req.WalletID]
	if !ok {
		return
	}
	delete(d.pending, req.WalletID)
	p.resume(req.Password, req.OK)
}

// Limit reports the currently configured in-memory spending limit for a
// wallet, or (0, false) if none is set (§4.5 SetLimits).
func (d *Dispatcher) Limit(walletID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.limits[walletID]
	return v, ok
}
