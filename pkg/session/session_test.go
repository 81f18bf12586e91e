package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/develata/notevault/pkg/crypto"
	"github.com/develata/notevault/pkg/ids"
	"github.com/develata/notevault/pkg/proto"
	"github.com/develata/notevault/pkg/repodb"
	"github.com/develata/notevault/pkg/reposvc"
	"github.com/develata/notevault/pkg/session"
)

// pipeConn is an in-memory transport.Conn: toSession feeds Session.Run's
// ReadMessage, fromSession captures what the Session writes out.
type pipeConn struct {
	toSession   chan []byte
	fromSession chan []byte
	closed      chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toSession:   make(chan []byte, 16),
		fromSession: make(chan []byte, 16),
		closed:      make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case m, ok := <-p.toSession:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(b []byte) error {
	select {
	case p.fromSession <- b:
		return nil
	case <-p.closed:
		return errors.New("pipeConn: closed")
	}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeConn) send(t *testing.T, msgType string, msg any) {
	t.Helper()
	data, err := proto.Encode(msgType, msg)
	require.NoError(t, err)
	p.toSession <- data
}

func (p *pipeConn) recv(t *testing.T) proto.Frame {
	t.Helper()
	select {
	case data := <-p.fromSession:
		f, err := proto.Decode(data)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session reply")
		return proto.Frame{}
	}
}

type testRig struct {
	router    *session.Router
	ledgerDir string
	peer      ids.PeerID
}

func newTestRouter(t *testing.T) *testRig {
	t.Helper()
	ledgerDir := t.TempDir()
	vaultRoot := t.TempDir()

	mgr, err := reposvc.New(ledgerDir, "main")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	mgr.SetIdentity(identity)

	key, err := crypto.GenerateRepoKey()
	require.NoError(t, err)
	mgr.SetRepoKey(key)

	router, err := session.NewRouter(mgr, vaultRoot, 10, identity.PeerID(), identity)
	require.NoError(t, err)
	t.Cleanup(router.Close)

	return &testRig{router: router, ledgerDir: ledgerDir, peer: identity.PeerID()}
}

func runSession(t *testing.T, router *session.Router, id string) (*pipeConn, func()) {
	t.Helper()
	conn := newPipeConn()
	sess := session.New(router, conn, id)
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	return conn, func() {
		cancel()
		conn.Close()
	}
}

func TestCreateDocBroadcastsDocSummary(t *testing.T) {
	rig := newTestRouter(t)
	conn, stop := runSession(t, rig.router, "conn-1")
	defer stop()

	conn.send(t, "CreateDoc", proto.CreateDoc{Name: "note.md"})

	frame := conn.recv(t)
	require.Equal(t, "DocSummary", frame.Type)
}

func TestOpenDocReturnsEmptySnapshotForUntrackedDoc(t *testing.T) {
	rig := newTestRouter(t)
	conn, stop := runSession(t, rig.router, "conn-1")
	defer stop()

	conn.send(t, "OpenDoc", proto.OpenDoc{DocID: ids.NewDocID()})

	frame := conn.recv(t)
	require.Equal(t, "Snapshot", frame.Type)
}

func TestPingRepliesWithLocalPeer(t *testing.T) {
	rig := newTestRouter(t)
	conn, stop := runSession(t, rig.router, "conn-1")
	defer stop()

	conn.send(t, "Ping", proto.Ping{})

	frame := conn.recv(t)
	require.Equal(t, "Pong", frame.Type)
	var pong proto.Pong
	require.NoError(t, json.Unmarshal(frame.Payload, &pong))
	require.Equal(t, string(rig.peer), pong.LocalPeer)
}

func TestEditRejectedOnShadowBranch(t *testing.T) {
	rig := newTestRouter(t)
	conn, stop := runSession(t, rig.router, "conn-1")
	defer stop()

	// Seed a read-only shadow repo on disk so SwitchBranch can validate it.
	shadowPeer := ids.PeerID("PEERBBBBBBBBBBBBBBBBBBBBBB")
	shadowPath := filepath.Join(rig.ledgerDir, "remotes", string(shadowPeer), "main.redb")
	require.NoError(t, os.MkdirAll(filepath.Dir(shadowPath), 0o755))
	db, err := repodb.Open(shadowPath, "main", true)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	conn.send(t, "SwitchBranch", proto.SwitchBranch{PeerID: &shadowPeer})
	switchFrame := conn.recv(t)
	require.Equal(t, "BranchSwitched", switchFrame.Type)

	conn.send(t, "Edit", proto.Edit{DocID: ids.NewDocID()})
	editFrame := conn.recv(t)
	require.Equal(t, "EditRejected", editFrame.Type)
}

func TestRequestKeyProvidesConfiguredKey(t *testing.T) {
	rig := newTestRouter(t)
	conn, stop := runSession(t, rig.router, "conn-1")
	defer stop()

	conn.send(t, "RequestKey", proto.RequestKey{})
	frame := conn.recv(t)
	require.Equal(t, "KeyProvide", frame.Type)
}
