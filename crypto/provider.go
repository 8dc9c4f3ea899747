package crypto

import "dapnode.dev/aggregator/dap"

// CryptoProvider is the narrow crypto interface the DAP aggregation core
// calls through for HPKE seal/open and fixed-tag hashing. The VDAF/HPKE
// primitives themselves are out of scope for the aggregation core; this
// interface is the seam a real deployment plugs a certified backend into.
// Implementations may provide wolfCrypt or native backends.
type CryptoProvider interface {
	SHA3_256(input []byte) ([32]byte, error)
	SealHpke(cfg dap.HpkeConfig, pkR, info, aad, plaintext []byte) (enc, ciphertext []byte, err error)
	OpenHpke(cfg dap.HpkeConfig, skR, enc, info, aad, ciphertext []byte) (plaintext []byte, err error)
}
