//go:build wolfcrypt_dylib

package crypto

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef int32_t (*dap_sha3_256_fn)(const uint8_t*, size_t, uint8_t*);
typedef int32_t (*dap_hpke_seal_fn)(
	uint16_t kem, uint16_t kdf, uint16_t aead,
	const uint8_t* pk_r, size_t pk_r_len,
	const uint8_t* info, size_t info_len,
	const uint8_t* aad, size_t aad_len,
	const uint8_t* pt, size_t pt_len,
	uint8_t* enc_out, size_t* enc_out_len,
	uint8_t* ct_out, size_t* ct_out_len
);
typedef int32_t (*dap_hpke_open_fn)(
	uint16_t kem, uint16_t kdf, uint16_t aead,
	const uint8_t* sk_r, size_t sk_r_len,
	const uint8_t* enc, size_t enc_len,
	const uint8_t* info, size_t info_len,
	const uint8_t* aad, size_t aad_len,
	const uint8_t* ct, size_t ct_len,
	uint8_t* pt_out, size_t* pt_out_len
);

typedef struct {
	void* handle;
	dap_sha3_256_fn sha3_256;
	dap_hpke_seal_fn hpke_seal;
	dap_hpke_open_fn hpke_open;
} dap_wc_provider_t;

static int dap_wc_load(dap_wc_provider_t* p, const char* path) {
	p->handle = dlopen(path, RTLD_LAZY);
	if (!p->handle) return -1;

	p->sha3_256 = (dap_sha3_256_fn)dlsym(p->handle, "dap_wc_sha3_256");
	p->hpke_seal = (dap_hpke_seal_fn)dlsym(p->handle, "dap_wc_hpke_seal");
	p->hpke_open = (dap_hpke_open_fn)dlsym(p->handle, "dap_wc_hpke_open");

	if (!p->sha3_256 || !p->hpke_seal || !p->hpke_open) {
		dlclose(p->handle);
		p->handle = NULL;
		return -2;
	}
	return 0;
}

static int32_t dap_wc_sha3_256_call(dap_wc_provider_t* p, const uint8_t* input, size_t len, uint8_t* out) {
	if (!p || !p->sha3_256) {
		return -1;
	}
	return p->sha3_256(input, len, out);
}

static int32_t call_dap_wc_hpke_seal(
	dap_wc_provider_t* p,
	uint16_t kem, uint16_t kdf, uint16_t aead,
	const uint8_t* pk_r, size_t pk_r_len,
	const uint8_t* info, size_t info_len,
	const uint8_t* aad, size_t aad_len,
	const uint8_t* pt, size_t pt_len,
	uint8_t* enc_out, size_t* enc_out_len,
	uint8_t* ct_out, size_t* ct_out_len
) {
	if (!p || !p->hpke_seal) {
		return -1;
	}
	return p->hpke_seal(kem, kdf, aead, pk_r, pk_r_len, info, info_len, aad, aad_len, pt, pt_len, enc_out, enc_out_len, ct_out, ct_out_len);
}

static int32_t call_dap_wc_hpke_open(
	dap_wc_provider_t* p,
	uint16_t kem, uint16_t kdf, uint16_t aead,
	const uint8_t* sk_r, size_t sk_r_len,
	const uint8_t* enc, size_t enc_len,
	const uint8_t* info, size_t info_len,
	const uint8_t* aad, size_t aad_len,
	const uint8_t* ct, size_t ct_len,
	uint8_t* pt_out, size_t* pt_out_len
) {
	if (!p || !p->hpke_open) {
		return -1;
	}
	return p->hpke_open(kem, kdf, aead, sk_r, sk_r_len, enc, enc_len, info, info_len, aad, aad_len, ct, ct_len, pt_out, pt_out_len);
}

static void dap_wc_close(dap_wc_provider_t* p) {
	if (p->handle) {
		dlclose(p->handle);
		p->handle = NULL;
	}
}
*/
import "C"

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/crypto/sha3"

	"dapnode.dev/aggregator/dap"
)

// WolfcryptDylibProvider loads a local shim dylib exposing the stable DAP
// wolfCrypt ABI for SHA3-256 and HPKE seal/open. The shim is expected to
// be provided by the compliance build pipeline and linked to wolfCrypt.
type WolfcryptDylibProvider struct {
	p C.dap_wc_provider_t
}

// LoadWolfcryptDylibProviderFromEnv loads the shim from DAP_WOLFCRYPT_SHIM_PATH.
func LoadWolfcryptDylibProviderFromEnv() (*WolfcryptDylibProvider, error) {
	path, ok := os.LookupEnv("DAP_WOLFCRYPT_SHIM_PATH")
	if !ok || path == "" {
		return nil, errors.New("DAP_WOLFCRYPT_SHIM_PATH is not set")
	}
	strict := func() bool {
		v := os.Getenv("DAP_WOLFCRYPT_STRICT")
		return v == "1" || strings.EqualFold(v, "true")
	}()

	if expected := os.Getenv("DAP_WOLFCRYPT_SHIM_SHA3_256"); expected != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		h := sha3.New256()
		if _, err := io.Copy(h, f); err != nil {
			return nil, err
		}
		sum := h.Sum(nil)
		actual := hex.EncodeToString(sum)
		if actual != strings.ToLower(expected) {
			return nil, errors.New("wolfcrypt shim hash mismatch (DAP_WOLFCRYPT_SHIM_SHA3_256)")
		}
	} else if strict {
		return nil, errors.New("DAP_WOLFCRYPT_SHIM_SHA3_256 required when DAP_WOLFCRYPT_STRICT=1")
	}
	return LoadWolfcryptDylibProvider(path)
}

func LoadWolfcryptDylibProvider(path string) (*WolfcryptDylibProvider, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	var p C.dap_wc_provider_t
	rc := C.dap_wc_load(&p, cpath)
	if rc != 0 {
		return nil, errors.New("failed to load wolfcrypt shim dylib")
	}

	prov := &WolfcryptDylibProvider{p: p}
	runtime.SetFinalizer(prov, func(x *WolfcryptDylibProvider) { C.dap_wc_close(&x.p) })
	return prov, nil
}

func (w *WolfcryptDylibProvider) SHA3_256(input []byte) ([32]byte, error) {
	var out [32]byte
	if len(input) == 0 {
		rc := C.int32_t(C.dap_wc_sha3_256_call(&w.p, nil, 0, (*C.uint8_t)(unsafe.Pointer(&out[0]))))
		if rc != 1 {
			return out, fmt.Errorf("wolfcrypt shim error: dap_wc_sha3_256 rc=%d", rc)
		}
		return out, nil
	}
	rc := C.int32_t(C.dap_wc_sha3_256_call(&w.p, (*C.uint8_t)(unsafe.Pointer(&input[0])), C.size_t(len(input)), (*C.uint8_t)(unsafe.Pointer(&out[0]))))
	if rc != 1 {
		return out, fmt.Errorf("wolfcrypt shim error: dap_wc_sha3_256 rc=%d", rc)
	}
	return out, nil
}

// hpkeBufCap bounds the shim's scratch buffers; real HPKE ciphertexts for
// DAP report/aggregate shares are far smaller than this.
const hpkeBufCap = 1 << 16

func (w *WolfcryptDylibProvider) SealHpke(cfg dap.HpkeConfig, pkR, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	encBuf := make([]byte, hpkeBufCap)
	ctBuf := make([]byte, hpkeBufCap)
	encLen := C.size_t(len(encBuf))
	ctLen := C.size_t(len(ctBuf))
	rc := C.int32_t(C.call_dap_wc_hpke_seal(
		&w.p,
		C.uint16_t(cfg.KemId), C.uint16_t(cfg.KdfId), C.uint16_t(cfg.AeadId),
		cBytes(pkR), C.size_t(len(pkR)),
		cBytes(info), C.size_t(len(info)),
		cBytes(aad), C.size_t(len(aad)),
		cBytes(plaintext), C.size_t(len(plaintext)),
		(*C.uint8_t)(unsafe.Pointer(&encBuf[0])), &encLen,
		(*C.uint8_t)(unsafe.Pointer(&ctBuf[0])), &ctLen,
	))
	if rc != 1 {
		return nil, nil, fmt.Errorf("wolfcrypt shim error: dap_wc_hpke_seal rc=%d", rc)
	}
	return encBuf[:encLen], ctBuf[:ctLen], nil
}

func (w *WolfcryptDylibProvider) OpenHpke(cfg dap.HpkeConfig, skR, enc, info, aad, ciphertext []byte) (plaintext []byte, err error) {
	ptBuf := make([]byte, hpkeBufCap)
	ptLen := C.size_t(len(ptBuf))
	rc := C.int32_t(C.call_dap_wc_hpke_open(
		&w.p,
		C.uint16_t(cfg.KemId), C.uint16_t(cfg.KdfId), C.uint16_t(cfg.AeadId),
		cBytes(skR), C.size_t(len(skR)),
		cBytes(enc), C.size_t(len(enc)),
		cBytes(info), C.size_t(len(info)),
		cBytes(aad), C.size_t(len(aad)),
		cBytes(ciphertext), C.size_t(len(ciphertext)),
		(*C.uint8_t)(unsafe.Pointer(&ptBuf[0])), &ptLen,
	))
	if rc != 1 {
		return nil, fmt.Errorf("wolfcrypt shim error: dap_wc_hpke_open rc=%d", rc)
	}
	return ptBuf[:ptLen], nil
}

func cBytes(b []byte) *C.uint8_t {
	if len(b) == 0 {
		return nil
	}
	return (*C.uint8_t)(unsafe.Pointer(&b[0]))
}
