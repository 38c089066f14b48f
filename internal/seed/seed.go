// Package seed turns the configured device secret into key material: BIP39
// mnemonics become 64-byte seeds and ed25519 nodes follow SLIP-10.
package seed

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// DefaultMnemonic is the well-known test mnemonic used when no seed is set.
const DefaultMnemonic = "glory promote mansion idle axis finger extra february uncover one trip resource lawn turtle enact monster seven myth punch hobby comfort wild raise skin"

// Hardened marks a hardened derivation index.
const Hardened = 0x80000000

var ErrNotHardened = errors.New("ed25519 derivation supports hardened indexes only")

// FromMnemonic derives the BIP39 seed of a mnemonic and passphrase. Words
// must come from the English list and the checksum must match.
func FromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	words := strings.Fields(strings.ToLower(mnemonic))
	s, err := bip39.NewSeedWithErrorChecking(strings.Join(words, " "), passphrase)
	if err != nil {
		return nil, fmt.Errorf("mnemonic of %d words: %w", len(words), err)
	}
	return s, nil
}

// Parse accepts a mnemonic or a hex seed. An empty string selects the
// default mnemonic.
func Parse(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultMnemonic
	}
	if strings.Contains(s, " ") {
		return FromMnemonic(s, "")
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("seed is neither a mnemonic nor hex: %w", err)
	}
	if len(b) < 16 || len(b) > 64 {
		return nil, fmt.Errorf("hex seed must be 16 to 64 bytes, got %d", len(b))
	}
	return b, nil
}

// Node is an ed25519 private key with its chain code.
type Node struct {
	Key   [32]byte
	Chain [32]byte
}

func split(i []byte) Node {
	var n Node
	copy(n.Key[:], i[:32])
	copy(n.Chain[:], i[32:])
	return n
}

// Ed25519Master returns the SLIP-10 master node.
func Ed25519Master(seed []byte) Node {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	return split(mac.Sum(nil))
}

// Child derives a hardened child node.
func (n Node) Child(index uint32) (Node, error) {
	if index&Hardened == 0 {
		return Node{}, fmt.Errorf("%w: %d", ErrNotHardened, index)
	}
	mac := hmac.New(sha512.New, n.Chain[:])
	mac.Write([]byte{0})
	mac.Write(n.Key[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	mac.Write(idx[:])
	return split(mac.Sum(nil)), nil
}

// DeriveEd25519 walks path from the master node.
func DeriveEd25519(seed []byte, path []uint32) (Node, error) {
	n := Ed25519Master(seed)
	for _, idx := range path {
		var err error
		if n, err = n.Child(idx); err != nil {
			return Node{}, err
		}
	}
	return n, nil
}

// FormatPath renders a derivation path as m/44'/0'.
func FormatPath(path []uint32) string {
	var b strings.Builder
	b.WriteString("m")
	for _, idx := range path {
		fmt.Fprintf(&b, "/%d", idx&^Hardened)
		if idx&Hardened != 0 {
			b.WriteByte('\'')
		}
	}
	return b.String()
}
