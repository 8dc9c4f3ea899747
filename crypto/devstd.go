package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"dapnode.dev/aggregator/dap"
)

// DevStdCryptoProvider is a development-only provider built entirely on
// the standard library plus golang.org/x/crypto. It does NOT claim
// RFC 9180 byte-exact HPKE interop and exists only to unblock early
// tooling and tests against the CryptoProvider seam; a production
// deployment plugs in a certified backend (see
// WolfcryptDylibProvider) instead.
type DevStdCryptoProvider struct{}

func (p DevStdCryptoProvider) SHA3_256(input []byte) ([32]byte, error) {
	h := sha3.New256()
	_, _ = h.Write(input)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// SealHpke seals plaintext to pkR (a raw X25519 public key) using
// DHKEM(X25519, HKDF-SHA256) for key agreement and HKDF-SHA256 +
// AES-128-GCM for the DEM, matching the KEM/KDF/AEAD combination
// dap.HpkeConfig's X25519HkdfSha256/HkdfSha256/Aes128Gcm identifiers
// name. enc is the ephemeral public key the recipient needs to open it.
func (p DevStdCryptoProvider) SealHpke(cfg dap.HpkeConfig, pkR, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	if err := checkSuite(cfg); err != nil {
		return nil, nil, err
	}
	curve := ecdh.X25519()
	recipient, err := curve.NewPublicKey(pkR)
	if err != nil {
		return nil, nil, errors.New("hpke: invalid recipient public key")
	}
	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, nil, err
	}
	gcm, nonce, err := deriveAead(shared, ephemeral.PublicKey().Bytes(), pkR, info)
	if err != nil {
		return nil, nil, err
	}
	return ephemeral.PublicKey().Bytes(), gcm.Seal(nil, nonce, plaintext, aad), nil
}

// OpenHpke opens a ciphertext produced by SealHpke. skR is the raw
// X25519 private key (32 bytes) corresponding to the public key the
// sealer used, and enc is the ephemeral public key SealHpke returned.
func (p DevStdCryptoProvider) OpenHpke(cfg dap.HpkeConfig, skR, enc, info, aad, ciphertext []byte) (plaintext []byte, err error) {
	if err := checkSuite(cfg); err != nil {
		return nil, err
	}
	curve := ecdh.X25519()
	priv, err := curve.NewPrivateKey(skR)
	if err != nil {
		return nil, errors.New("hpke: invalid recipient private key")
	}
	ephemeral, err := curve.NewPublicKey(enc)
	if err != nil {
		return nil, errors.New("hpke: invalid encapsulated key")
	}
	shared, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, err
	}
	gcm, nonce, err := deriveAead(shared, enc, priv.PublicKey().Bytes(), info)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

func checkSuite(cfg dap.HpkeConfig) error {
	if cfg.KemId != dap.HpkeKemX25519HkdfSha256 {
		return errors.New("hpke: unsupported kem, only X25519HkdfSha256 is implemented")
	}
	if cfg.KdfId != dap.HpkeKdfHkdfSha256 {
		return errors.New("hpke: unsupported kdf, only HkdfSha256 is implemented")
	}
	if cfg.AeadId != dap.HpkeAeadAes128Gcm {
		return errors.New("hpke: unsupported aead, only Aes128Gcm is implemented")
	}
	return nil
}

// deriveAead expands the DHKEM shared secret into an AES-128-GCM key and
// nonce via HKDF-SHA256, binding enc and pkR into the KDF salt so a key
// reused across two recipients still derives distinct transport keys.
func deriveAead(shared, enc, pkR, info []byte) (cipher.AEAD, []byte, error) {
	salt := append(append([]byte{}, enc...), pkR...)
	kdf := hkdf.New(sha256.New, shared, salt, info)
	okm := make([]byte, 16+12)
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(okm[:16])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return gcm, okm[16:], nil
}
