package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// test vectors from NUT-00
func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Errorf("HashToCurve: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

// blinded message test vectors from NUT-00
func TestBlindMessage(t *testing.T) {
	tests := []struct {
		secret         string
		blindingFactor string
		expected       string
	}{
		{secret: "d341ee4871f1f889041e63cf0d3823c713eea6aff01e80f1719f08f9e5be98f6",
			blindingFactor: "99fce58439fc37412ab3468b73db0569322588f62fb3a49182d67e23d877824a",
			expected:       "033b1a9737a40cc3fd9b6af4b723632b7a67a8716dddd96ed88d0b7d36b3a1ba9d",
		},
		{secret: "f1aaf16c2239746f369572c0784d9dd3d032d952c2d992175873fb58fae31a60",
			blindingFactor: "f78476ea7cc9ade20f9e05e58a804cf19533f03ea805ece5fee88c8e2874ba50",
			expected:       "029bdf2d716ee366eddf599ba252786c1033f47e230248a4612a5670ab931f1763",
		},
	}

	for _, test := range tests {
		rbytes, err := hex.DecodeString(test.blindingFactor)
		if err != nil {
			t.Errorf("error decoding blinding factor: %v", err)
		}
		r := secp256k1.PrivKeyFromBytes(rbytes)

		B_, _, err := BlindMessage(test.secret, r)
		if err != nil {
			t.Errorf("BlindMessage: %v", err)
		}
		B_Hex := hex.EncodeToString(B_.SerializeCompressed())
		if B_Hex != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, B_Hex)
		}
	}
}

func TestSignVerify(t *testing.T) {
	secret := "test_message"

	rbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")
	r := secp256k1.PrivKeyFromBytes(rbytes)

	B_, r, err := BlindMessage(secret, r)
	if err != nil {
		t.Fatal(err)
	}

	kbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k := secp256k1.PrivKeyFromBytes(kbytes)
	K := k.PubKey()

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, K)

	if !Verify(secret, k, C) {
		t.Error("failed verification")
	}

	// a different mint key should not verify
	k2bytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000007")
	k2 := secp256k1.PrivKeyFromBytes(k2bytes)
	if Verify(secret, k2, C) {
		t.Error("verification passed for wrong key")
	}
}

// hash_e test vector from NUT-12
func TestHashE(t *testing.T) {
	hexToKey := func(keyhex string) *secp256k1.PublicKey {
		keybytes, err := hex.DecodeString(keyhex)
		if err != nil {
			t.Fatal(err)
		}
		key, err := secp256k1.ParsePubKey(keybytes)
		if err != nil {
			t.Fatal(err)
		}
		return key
	}

	R1 := hexToKey("020000000000000000000000000000000000000000000000000000000000000001")
	R2 := hexToKey("020000000000000000000000000000000000000000000000000000000000000001")
	K := hexToKey("020000000000000000000000000000000000000000000000000000000000000001")
	C_ := hexToKey("02a9acc1e48c25eeeb9289b5031cc57da9fe72f3fe2861d264bdc074209b107ba2")

	hash := HashE([]*secp256k1.PublicKey{R1, R2, K, C_})
	expected := "a4dc034b74338c28c6bc3ea49731f2a24440fc7c4affc08b31a93fc9fbe6401e"
	if hex.EncodeToString(hash[:]) != expected {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, hex.EncodeToString(hash[:]))
	}
}

func TestGenerateVerifyDLEQ(t *testing.T) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	B_, _, err := BlindMessage("dleq_test_secret", r)
	if err != nil {
		t.Fatal(err)
	}

	e, s, err := GenerateDLEQ(k, B_)
	if err != nil {
		t.Fatal(err)
	}

	C_ := SignBlindedMessage(B_, k)
	if !VerifyDLEQ(e, s, k.PubKey(), B_, C_) {
		t.Error("failed DLEQ verification")
	}

	// proof should not verify against a different signature
	k2, _ := secp256k1.GeneratePrivateKey()
	badC_ := SignBlindedMessage(B_, k2)
	if VerifyDLEQ(e, s, k.PubKey(), B_, badC_) {
		t.Error("DLEQ verification passed for wrong C_")
	}
}

func TestDeriveKeysetId(t *testing.T) {
	keys := make(PublicKeys)
	for i := 0; i < 5; i++ {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[uint64(1<<i)] = key.PubKey()
	}

	id := DeriveKeysetId(keys)
	if len(id) != 16 {
		t.Errorf("expected id of length 16 but got %v", len(id))
	}
	if id[:2] != "00" {
		t.Errorf("expected version byte '00' but got '%v'", id[:2])
	}

	// id derivation has to be stable regardless of map iteration order
	for i := 0; i < 10; i++ {
		if derived := DeriveKeysetId(keys); derived != id {
			t.Fatalf("keyset id not stable: '%v' vs '%v'", id, derived)
		}
	}
}

func TestKeysetIdInt(t *testing.T) {
	keysetIdInt, err := KeysetIdInt("009a1f293253e41e")
	if err != nil {
		t.Fatal(err)
	}
	// value from NUT-13 test vectors
	if keysetIdInt != 864559728 {
		t.Errorf("expected '864559728' but got '%v' instead", keysetIdInt)
	}

	if _, err := KeysetIdInt("notahexid"); err == nil {
		t.Error("expected error for non-hex keyset id")
	}
}
