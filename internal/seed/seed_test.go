package seed

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestFromMnemonic(t *testing.T) {
	m := strings.Repeat("abandon ", 11) + "about"
	s, err := FromMnemonic(m, "TREZOR")
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	want := "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	if got := hex.EncodeToString(s); got != want {
		t.Errorf("seed = %s", got)
	}
	// extra whitespace and case do not change the seed
	again, err := FromMnemonic("  "+strings.ToUpper(m)+"\n", "TREZOR")
	if err != nil || hex.EncodeToString(again) != want {
		t.Errorf("normalized seed = %x, %v", again, err)
	}

	for name, bad := range map[string]string{
		"short":    "one two",
		"checksum": strings.Repeat("abandon ", 12),
		"word":     strings.Repeat("abandon ", 11) + "abouts",
		"empty":    "",
	} {
		if _, err := FromMnemonic(bad, ""); err == nil {
			t.Errorf("%s mnemonic accepted", name)
		}
	}
}

func TestSLIP10Vector(t *testing.T) {
	s, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	m := Ed25519Master(s)
	if got := hex.EncodeToString(m.Key[:]); got != "2b4be7f19ee27bbf30c667b642d5f4aa69fd169872f8fc3059c08ebae2eb19e7" {
		t.Errorf("master key = %s", got)
	}
	if got := hex.EncodeToString(m.Chain[:]); got != "90046a93de5380a72b5e45010748567d5ea02bbf6522f979e05c0d8d8ca9fffb" {
		t.Errorf("master chain = %s", got)
	}
	n, err := DeriveEd25519(s, []uint32{Hardened})
	if err != nil {
		t.Fatalf("DeriveEd25519: %v", err)
	}
	if got := hex.EncodeToString(n.Key[:]); got != "68e0fe46dfb67e368c75379acec591dad19df3cde26e63b93a8e704f1dade7a3" {
		t.Errorf("m/0' key = %s", got)
	}
	if _, err := DeriveEd25519(s, []uint32{1}); !errors.Is(err, ErrNotHardened) {
		t.Errorf("non-hardened: %v", err)
	}
}

func TestParse(t *testing.T) {
	def, err := Parse("")
	if err != nil || len(def) != 64 {
		t.Fatalf("default seed: %d bytes, %v", len(def), err)
	}
	again, _ := Parse(DefaultMnemonic)
	if hex.EncodeToString(def) != hex.EncodeToString(again) {
		t.Error("default differs from explicit mnemonic")
	}
	h, err := Parse("0x000102030405060708090a0b0c0d0e0f")
	if err != nil || len(h) != 16 {
		t.Errorf("hex seed: %x %v", h, err)
	}
	if _, err := Parse("zz"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestFormatPath(t *testing.T) {
	if got := FormatPath([]uint32{44 | Hardened, 535348 | Hardened, 0}); got != "m/44'/535348'/0" {
		t.Errorf("got %s", got)
	}
}
