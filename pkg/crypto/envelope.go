// Package crypto implements AES-256-GCM envelope encryption for ledger
// entries in transit, and the Ed25519 peer identity used to sign sync
// handshakes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"

	"github.com/develata/notevault/pkg/errkind"
	"github.com/develata/notevault/pkg/ids"
)

// RepoKey is the 256-bit symmetric key shared by authorized clients of
// one logical repo.
type RepoKey [32]byte

// GenerateRepoKey produces a fresh random repo key.
func GenerateRepoKey() (RepoKey, error) {
	var key RepoKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return RepoKey{}, errkind.Wrap(errkind.IO, "generate repo key", err)
	}
	return key, nil
}

// Envelope is the wire shape produced by Seal: a repo-scoped seq, a
// random 96-bit nonce, and the AEAD ciphertext. The AAD is derived,
// not carried, since the receiver already knows doc_id/peer_id/seq
// from context.
type Envelope struct {
	Seq        uint64
	Nonce      [12]byte
	Ciphertext []byte
}

// aad builds the additional authenticated data binding an envelope to
// the (doc_id, peer_id, seq) triple it was sealed for, so a ciphertext
// from one doc/peer/seq can never be replayed as another's.
func aad(doc ids.DocID, peer ids.PeerID, seq uint64) []byte {
	buf := make([]byte, 16+len(peer)+8)
	copy(buf, doc[:])
	copy(buf[16:], []byte(peer))
	binary.BigEndian.PutUint64(buf[16+len(peer):], seq)
	return buf
}

func newGCM(key RepoKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "create aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errkind.Wrap(errkind.IO, "create gcm", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key, binding it to (doc, peer, seq)
// via AAD.
func Seal(key RepoKey, doc ids.DocID, peer ids.PeerID, seq uint64, plaintext []byte) (Envelope, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	var nonce [12]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Envelope{}, errkind.Wrap(errkind.IO, "generate nonce", err)
	}

	ciphertext := gcm.Seal(nil, nonce[:], plaintext, aad(doc, peer, seq))
	return Envelope{Seq: seq, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// SaveRepoKey writes key to path with owner-only permissions.
func SaveRepoKey(path string, key RepoKey) error {
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return errkind.Wrap(errkind.IO, "write repo key file", err)
	}
	return nil
}

// LoadRepoKey reads a repo key previously written by SaveRepoKey.
func LoadRepoKey(path string) (RepoKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RepoKey{}, errkind.Wrap(errkind.IO, "read repo key file", err)
	}
	var key RepoKey
	if len(data) != len(key) {
		return RepoKey{}, errkind.Wrap(errkind.InvalidArgument, "repo key file has wrong size", nil)
	}
	copy(key[:], data)
	return key, nil
}

// Open decrypts env under key, verifying it was sealed for (doc, peer,
// env.Seq). A mismatched AAD (wrong doc, wrong peer, or a seq that
// doesn't match env.Seq) fails as errkind.DecryptFailed, which callers
// must treat as "not applied", never as an empty plaintext.
func Open(key RepoKey, doc ids.DocID, peer ids.PeerID, env Envelope) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce[:], env.Ciphertext, aad(doc, peer, env.Seq))
	if err != nil {
		return nil, errkind.Wrap(errkind.DecryptFailed, "open envelope", err)
	}
	return plaintext, nil
}
