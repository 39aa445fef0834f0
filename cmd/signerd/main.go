package main

import (
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"headlesssigner/core"
	guiconfig "headlesssigner/guiserver/config"
	"headlesssigner/guiserver/controllers"
	"headlesssigner/guiserver/routes"
	"headlesssigner/guiserver/services"
	"headlesssigner/pkg/config"
	"headlesssigner/signer"
	"headlesssigner/wallet"
)

func main() {
	root := &cobra.Command{Use: "signerd", Short: "run the signer process"}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the signer daemon: terminal transport listener + GUI adapter bridge",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(env); err != nil {
				logrus.WithError(err).Fatal("signerd: fatal")
			}
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name (SIGNERD_ENV)")
	return cmd
}

func run(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err == nil {
		logrus.SetLevel(level)
	}

	own, err := core.LoadIdentityKey(cfg.Transport.IdentityKeyPath, cfg.Transport.Ephemeral)
	if err != nil {
		return err
	}
	peers, err := core.NewPeerStore(cfg.Transport.PeerStorePath, cfg.Transport.Ephemeral, own, func(ev core.KeyRotatedEvent) {
		logrus.WithField("peer", ev.Name).Info("signerd: peer key rotated")
	})
	if err != nil {
		return err
	}
	if err := core.WriteCookieFile(cfg.Transport.CookiePath, own); err != nil {
		return err
	}

	store, err := wallet.NewFileStore(cfg.Wallet.BaseDir)
	if err != nil {
		return err
	}
	audit, err := core.NewAuditTrail(cfg.Audit.LogPath)
	if err != nil {
		return err
	}
	defer audit.Close()

	bridge := services.NewBridge(store, audit)

	if err := guiconfig.Load(); err != nil {
		logrus.WithError(err).Warn("signerd: gui config defaults applied")
	}
	port := cfg.GUI.Port
	if port == "" {
		port = guiconfig.AppConfig.Port
	}
	go serveGUI(port, bridge)

	if cfg.Transport.NATTraversal {
		maybeMapNAT(cfg.Transport.ListenAddr)
	}

	return serveTerminals(cfg.Transport.ListenAddr, own, peers, bridge)
}

func serveGUI(port string, bridge *services.Bridge) {
	sc := controllers.NewSignerController(bridge)
	r := mux.NewRouter()
	routes.Register(r, sc)
	logrus.Infof("signerd: gui adapter bridge listening on :%s", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logrus.WithError(err).Fatal("signerd: gui http server failed")
	}
}

// maybeMapNAT opens a port mapping for the terminal listener on a home
// gateway, so a terminal on another host can dial in without manual
// router configuration. Best-effort: most deployments run behind no NAT
// at all, or behind one without UPnP/NAT-PMP enabled, so failures are
// logged and otherwise ignored.
func maybeMapNAT(listenAddr string) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		logrus.WithError(err).Warn("signerd: nat traversal: bad listen address")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logrus.WithError(err).Warn("signerd: nat traversal: bad port")
		return
	}
	mgr, err := core.NewNATManager()
	if err != nil {
		logrus.WithError(err).Warn("signerd: nat traversal: gateway discovery failed")
		return
	}
	if err := mgr.Map(port); err != nil {
		logrus.WithError(err).Warn("signerd: nat traversal: port mapping failed")
		return
	}
	logrus.WithField("external_ip", mgr.ExternalIP()).Infof("signerd: nat traversal: mapped port %d", port)
}

func serveTerminals(listenAddr string, own *core.IdentityKey, peers *core.PeerStore, bridge *services.Bridge) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logrus.Infof("signerd: terminal transport listening on %s", listenAddr)

	// clientID 1 is reserved for the GUI adapter (see services.Bridge);
	// real terminal sockets are numbered from 2, assigned sequentially
	// in this single accept loop so no two connections can ever race
	// for the same id.
	var nextClientID uint64 = 2
	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.WithError(err).Warn("signerd: accept failed")
			continue
		}
		clientID := signer.ClientID(nextClientID)
		nextClientID++
		go handleTerminal(conn, own, peers, bridge, clientID)
	}
}

func handleTerminal(netConn net.Conn, own *core.IdentityKey, peers *core.PeerStore, bridge *services.Bridge, clientID signer.ClientID) {
	defer netConn.Close()

	c := core.NewConnection(netConn, own, peers, false, "")
	if err := c.Handshake(); err != nil {
		logrus.WithError(err).Warn("signerd: handshake failed")
		return
	}

	bridge.RegisterTerminal(clientID, c)
	defer bridge.UnregisterTerminal(clientID)

	go c.RunHeartbeat()

	for {
		payload, err := c.ReceiveApplication()
		if err != nil {
			logrus.WithError(err).Info("signerd: terminal connection closed")
			return
		}
		env, err := signer.DecodeEnvelope(payload)
		if err != nil {
			continue
		}
		bridge.Dispatcher.Dispatch(clientID, env)
	}
}
