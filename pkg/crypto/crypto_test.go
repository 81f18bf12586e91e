package crypto

import (
	"testing"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateRepoKey()
	require.NoError(t, err)
	doc := ids.NewDocID()
	peer := ids.PeerID("peerA")

	env, err := Seal(key, doc, peer, 7, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := Open(key, doc, peer, env)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))
}

func TestOpenFailsOnWrongDoc(t *testing.T) {
	key, err := GenerateRepoKey()
	require.NoError(t, err)
	peer := ids.PeerID("peerA")

	env, err := Seal(key, ids.NewDocID(), peer, 1, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(key, ids.NewDocID(), peer, env)
	require.ErrorIs(t, err, errkind.DecryptFailed)
}

func TestOpenFailsOnTamperedSeq(t *testing.T) {
	key, err := GenerateRepoKey()
	require.NoError(t, err)
	doc := ids.NewDocID()
	peer := ids.PeerID("peerA")

	env, err := Seal(key, doc, peer, 1, []byte("hello"))
	require.NoError(t, err)
	env.Seq = 2

	_, err = Open(key, doc, peer, env)
	require.ErrorIs(t, err, errkind.DecryptFailed)
}

func TestHandshakeSignAndVerify(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)
	vv := map[ids.PeerID]uint64{"peerA": 10, "peerB": 3}

	sig := identity.SignHandshake(vv)
	require.True(t, VerifyHandshake(identity.Public, identity.PeerID(), vv, sig))
}

func TestHandshakeRejectsMismatchedVV(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)
	sig := identity.SignHandshake(map[ids.PeerID]uint64{"peerA": 10})

	ok := VerifyHandshake(identity.Public, identity.PeerID(), map[ids.PeerID]uint64{"peerA": 11}, sig)
	require.False(t, ok)
}

func TestHandshakeRejectsWrongPeerID(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)
	vv := map[ids.PeerID]uint64{}

	sig := a.SignHandshake(vv)
	require.False(t, VerifyHandshake(a.Public, b.PeerID(), vv, sig))
}
