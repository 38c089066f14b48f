package syscalls

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/zboralski/seemu/internal/seed"
	"github.com/zboralski/seemu/internal/trace"
)

// maxPathLen bounds derivation path depth.
const maxPathLen = 10

func cryptoDefs() []Def {
	return []Def{
		{ID: 0x02000040, Name: "cx_rng", Category: trace.Crypto, Handler: rng},
		{ID: 0x03000041, Name: "cx_hash_sha256", Category: trace.Crypto, Handler: hashSHA256},
		{ID: 0x03000042, Name: "cx_hash_sha512", Category: trace.Crypto, Handler: hashSHA512},
		{ID: 0x05000043, Name: "cx_hmac_sha256", Category: trace.Crypto, Handler: hmacSHA256},
		{ID: 0x03000044, Name: "os_perso_derive_node_ed25519", Category: trace.Crypto, Handler: deriveNode},
		{ID: 0x02000045, Name: "cx_eddsa_get_public_key", Category: trace.Crypto, Handler: publicKey},
		{ID: 0x04000046, Name: "cx_eddsa_sign", Category: trace.Crypto, Handler: sign},
	}
}

func rng(c *Call) (uint32, error) {
	buf, n := c.Arg(0), c.Arg(1)
	if n > MaxBuffer {
		return 0, c.argError("length %d exceeds %d", n, MaxBuffer)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(c.Env.RNG, out); err != nil {
		return 0, fmt.Errorf("rng: %w", err)
	}
	c.Log("buf=0x%x len=%d", buf, n)
	return 0, c.Write(buf, out)
}

func hashSHA256(c *Call) (uint32, error) {
	in, n, out := c.Arg(0), c.Arg(1), c.Arg(2)
	data, err := c.Read(in, n)
	if err != nil {
		return 0, err
	}
	sum := sha256.Sum256(data)
	c.Log("len=%d digest=%x", n, sum[:8])
	return sha256.Size, c.Write(out, sum[:])
}

func hashSHA512(c *Call) (uint32, error) {
	in, n, out := c.Arg(0), c.Arg(1), c.Arg(2)
	data, err := c.Read(in, n)
	if err != nil {
		return 0, err
	}
	sum := sha512.Sum512(data)
	c.Log("len=%d digest=%x", n, sum[:8])
	return sha512.Size, c.Write(out, sum[:])
}

func hmacSHA256(c *Call) (uint32, error) {
	key, err := c.Read(c.Arg(0), c.Arg(1))
	if err != nil {
		return 0, err
	}
	data, err := c.Read(c.Arg(2), c.Arg(3))
	if err != nil {
		return 0, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	c.Log("keylen=%d len=%d", len(key), len(data))
	return sha256.Size, c.Write(c.Arg(4), sum)
}

// os_perso_derive_node_ed25519(path, pathlen, out) writes the 32-byte
// private key of the node.
func deriveNode(c *Call) (uint32, error) {
	ptr, n, out := c.Arg(0), c.Arg(1), c.Arg(2)
	if n > maxPathLen {
		return 0, c.argError("path length %d exceeds %d", n, maxPathLen)
	}
	path, err := c.Mem.ReadWords(ptr, int(n))
	if err != nil {
		return 0, err
	}
	node, err := seed.DeriveEd25519(c.Env.Seed, path)
	if err != nil {
		return 0, c.argError("%v", err)
	}
	c.Log("path=%s", seed.FormatPath(path))
	return 0, c.Write(out, node.Key[:])
}

func privateKey(c *Call, ptr uint32) (ed25519.PrivateKey, error) {
	raw, err := c.Read(ptr, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

func publicKey(c *Call) (uint32, error) {
	priv, err := privateKey(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	c.Log("pub=%x", pub[:8])
	return ed25519.PublicKeySize, c.Write(c.Arg(1), pub)
}

func sign(c *Call) (uint32, error) {
	priv, err := privateKey(c, c.Arg(0))
	if err != nil {
		return 0, err
	}
	msg, err := c.Read(c.Arg(1), c.Arg(2))
	if err != nil {
		return 0, err
	}
	sig := ed25519.Sign(priv, msg)
	c.Log("len=%d sig=%x", len(msg), sig[:8])
	return ed25519.SignatureSize, c.Write(c.Arg(3), sig)
}
