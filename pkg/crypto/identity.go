package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"os"
	"sort"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
)

// handshakeDomainPrefix separates handshake signatures from any other
// use of an identity key; the signed message is `"deve-handshake" ||
// peer_id_bytes || canonical(version_vector)`.
const handshakeDomainPrefix = "deve-handshake"

// IdentityKeyPair is a client's stable Ed25519 identity. Keeping it
// stable across sessions keeps the peer-id stable, which bounds
// version-vector growth.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 identity key pair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "generate identity key pair", err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// PeerID derives the stable peer-id fingerprint from pub: a truncated
// SHA-256 digest, base32-encoded without padding. It doubles as the
// peer's shadow directory name, so it must stay filesystem-safe.
func PeerID(pub ed25519.PublicKey) ids.PeerID {
	digest := sha256.Sum256(pub)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return ids.PeerID(enc.EncodeToString(digest[:16]))
}

// PeerID returns this identity's peer-id.
func (k *IdentityKeyPair) PeerID() ids.PeerID { return PeerID(k.Public) }

// SaveIdentity writes k's private key to path (ed25519.PrivateKey
// already carries its public half) with owner-only permissions, so a
// restarted process keeps the same peer-id.
func SaveIdentity(path string, k *IdentityKeyPair) error {
	if err := os.WriteFile(path, k.Private, 0o600); err != nil {
		return errkind.Wrap(errkind.IO, "write identity file", err)
	}
	return nil
}

// LoadIdentity reads an identity previously written by SaveIdentity.
func LoadIdentity(path string) (*IdentityKeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "read identity file", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, errkind.Wrap(errkind.InvalidArgument, "identity file has wrong size", nil)
	}
	priv := ed25519.PrivateKey(data)
	return &IdentityKeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// canonicalVV encodes a version vector deterministically for signing:
// peers sorted ascending, each as "<peer>:<seq>;".
func canonicalVV(vv map[ids.PeerID]uint64) []byte {
	peers := make([]string, 0, len(vv))
	for p := range vv {
		peers = append(peers, string(p))
	}
	sort.Strings(peers)

	var out []byte
	for _, p := range peers {
		out = append(out, p...)
		out = append(out, ':')
		out = appendUint64(out, vv[ids.PeerID(p)])
		out = append(out, ';')
	}
	return out
}

func appendUint64(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, digits[i:]...)
}

func handshakeMessage(peerID ids.PeerID, vv map[ids.PeerID]uint64) []byte {
	msg := []byte(handshakeDomainPrefix)
	msg = append(msg, []byte(peerID)...)
	msg = append(msg, canonicalVV(vv)...)
	return msg
}

// SignHandshake signs the handshake challenge carrying this identity's
// own peer-id and the given version vector.
func (k *IdentityKeyPair) SignHandshake(vv map[ids.PeerID]uint64) []byte {
	return ed25519.Sign(k.Private, handshakeMessage(k.PeerID(), vv))
}

// VerifyHandshake verifies a handshake signature produced by
// SignHandshake, checking it against the claimed peer-id and public
// key together so a caller can't present someone else's key for its
// own peer-id.
func VerifyHandshake(pub ed25519.PublicKey, peerID ids.PeerID, vv map[ids.PeerID]uint64, sig []byte) bool {
	if PeerID(pub) != peerID {
		return false
	}
	return ed25519.Verify(pub, handshakeMessage(peerID, vv), sig)
}
