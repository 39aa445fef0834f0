package core

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func establishedPair(t *testing.T) (initConn, respConn *Connection) {
	t.Helper()
	_, _, initConn, respConn = handshakePair(t)

	errs := make(chan error, 2)
	go func() { errs <- initConn.Handshake() }()
	go func() { errs <- respConn.Handshake() }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	return
}

func TestConnectionReceiveApplicationSkipsHeartbeats(t *testing.T) {
	initConn, respConn := establishedPair(t)

	sendErr := make(chan error, 1)
	go func() {
		if err := initConn.sendEncrypted(PacketHeartbeat, nil); err != nil {
			sendErr <- err
			return
		}
		sendErr <- initConn.SendApplication([]byte("payload-after-heartbeat"))
	}()

	got, err := respConn.ReceiveApplication()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.Equal(t, []byte("payload-after-heartbeat"), got)
}

func TestConnectionSendApplicationRejectedBeforeEstablished(t *testing.T) {
	a, _ := net.Pipe()
	own, err := NewIdentityKey()
	require.NoError(t, err)
	peers, err := NewPeerStore("", true, own, nil)
	require.NoError(t, err)
	conn := NewConnection(a, own, peers, true, "responder")

	err = conn.SendApplication([]byte("x"))
	require.ErrorIs(t, err, ErrUnexpectedState)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	initConn, respConn := establishedPair(t)
	defer respConn.Close()

	require.NoError(t, initConn.Close())
	require.NoError(t, initConn.Close())
	require.Equal(t, StateClosed, initConn.State())
}

func TestConnectionRemotePeerKeyZeroBeforeHandshake(t *testing.T) {
	a, _ := net.Pipe()
	own, err := NewIdentityKey()
	require.NoError(t, err)
	peers, err := NewPeerStore("", true, own, nil)
	require.NoError(t, err)
	conn := NewConnection(a, own, peers, true, "responder")

	var zero [IdentityKeySize]byte
	require.Equal(t, zero, conn.RemotePeerKey())
	require.Equal(t, StateFresh, conn.State())
}

func TestConnectionIDsAreUnique(t *testing.T) {
	a1, _ := net.Pipe()
	a2, _ := net.Pipe()
	own, err := NewIdentityKey()
	require.NoError(t, err)
	peers, err := NewPeerStore("", true, own, nil)
	require.NoError(t, err)

	c1 := NewConnection(a1, own, peers, true, "x")
	c2 := NewConnection(a2, own, peers, true, "y")
	require.NotEqual(t, c1.ID, c2.ID)
}
