package mega

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/big"
)

// This file is the Crypto primitives facade (spec §4.1, component C1).
// Every exported behaviour here has a fixed contract the rest of the
// package relies on; none of it is configurable, which is why it takes
// no *config and returns no *Session.

// zeroBuf returns n zero bytes. Named to match spec §4.1's zerobuf.
func zeroBuf(n int) []byte {
	return make([]byte, n)
}

// randomBytes returns n cryptographically random bytes (spec's random(n)).
func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the system reader only fails if the OS
		// entropy source is broken; there is nothing a caller could do
		// with a returned error that isn't already catastrophic.
		panic("mega: system randomness unavailable: " + err.Error())
	}
	return buf
}

// joinbuf concatenates byte slices without mutating any of them.
func joinbuf(bufs ...[]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// slicebuf splits buf into chunks of size n; the final chunk may be
// shorter.
func slicebuf(buf []byte, n int) [][]byte {
	var out [][]byte
	for len(buf) > 0 {
		if len(buf) < n {
			out = append(out, buf)
			break
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out
}

// alignbuf pads buf up to the next multiple of n. padWithRandom fills
// the pad with random bytes (used when the padding must not leak a
// predictable plaintext suffix, e.g. RSA key wrapping); otherwise the
// pad is zero (used for attribute blobs, where the magic+JSON tail is
// explicitly tolerant of zero padding per spec §4.2).
func alignbuf(buf []byte, n int, padWithRandom bool) []byte {
	rem := len(buf) % n
	if rem == 0 {
		return buf
	}
	padLen := n - rem
	var pad []byte
	if padWithRandom {
		pad = randomBytes(padLen)
	} else {
		pad = zeroBuf(padLen)
	}
	return joinbuf(buf, pad)
}

// ub64enc/ub64dec are the URL-safe, unpadded base64 codec spec §4.1
// names: identical to base64.RawURLEncoding, just under the names the
// rest of the package uses so the wire format's quirks (MEGA uses '-'
// and '_' with no '=' padding) stay visible at call sites.
func ub64enc(data []byte) []byte {
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(data)))
	base64.RawURLEncoding.Encode(out, data)
	return out
}

func ub64dec(data []byte) ([]byte, error) {
	out := make([]byte, base64.RawURLEncoding.DecodedLen(len(data)))
	n, err := base64.RawURLEncoding.Decode(out, data)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

const sha256DigestSize = sha256.Size

func sha256Digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// --- AES block helpers ---------------------------------------------

// aesECBEncrypt/aesECBDecrypt operate on exactly one 16-byte block
// (key wrapping, the TSID check, password stretching and the username
// hash). No general multi-block ECB mode is offered here; a caller
// with a longer buffer, such as a 32-byte file key, loops over its
// blocks itself (see ecbDecryptBuffer in fs.go).
func aesECBEncrypt(key16, block []byte) ([]byte, error) {
	if len(key16) != 16 || len(block) != 16 {
		return nil, errors.New("mega: aesECBEncrypt requires 16-byte key and block")
	}
	blk, err := aes.NewCipher(key16)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	blk.Encrypt(out, block)
	return out, nil
}

func aesECBDecrypt(key16, block []byte) ([]byte, error) {
	if len(key16) != 16 || len(block) != 16 {
		return nil, errors.New("mega: aesECBDecrypt requires 16-byte key and block")
	}
	blk, err := aes.NewCipher(key16)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	blk.Decrypt(out, block)
	return out, nil
}

// aesCBCEncrypt/aesCBCDecrypt use a zero IV, matching spec §4.1's
// "the service uses CBC only for attribute blobs and assumes zero IV".
// data must already be 16-byte aligned; callers use alignbuf first.
func aesCBCEncrypt(key16, data []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, errors.New("mega: aesCBCEncrypt requires 16-byte aligned input")
	}
	blk, err := aes.NewCipher(key16)
	if err != nil {
		return nil, err
	}
	iv := zeroBuf(16)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key16, data []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, errors.New("mega: aesCBCDecrypt requires 16-byte aligned input")
	}
	blk, err := aes.NewCipher(key16)
	if err != nil {
		return nil, err
	}
	iv := zeroBuf(16)
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(blk, iv).CryptBlocks(out, data)
	return out, nil
}

// aesCTR encrypts/decrypts (the mode is symmetric) data under a
// counter block built as nonce8 ‖ big-endian counter per spec §4.1.
// Used only by the session-blob envelope.
func aesCTR(key16, nonce8 []byte, counter uint64, data []byte) ([]byte, error) {
	if len(nonce8) != 8 {
		return nil, errors.New("mega: aesCTR requires an 8-byte nonce")
	}
	blk, err := aes.NewCipher(key16)
	if err != nil {
		return nil, err
	}
	ivBlock := make([]byte, 16)
	copy(ivBlock[:8], nonce8)
	binary.BigEndian.PutUint64(ivBlock[8:], counter)

	out := make([]byte, len(data))
	cipher.NewCTR(blk, ivBlock).XORKeyStream(out, data)
	return out, nil
}

// --- 32-bit word packing ---------------------------------------------

// bytesToA32/a32ToBytes convert between a byte buffer and the array of
// big-endian uint32 words the node-key/attribute-key packing in spec
// §3 is defined over (folder keys are 4 words, file keys are 8).
func bytesToA32(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}
	return out
}

func a32ToBytes(a []uint32) []byte {
	out := make([]byte, len(a)*4)
	for i, w := range a {
		binary.BigEndian.PutUint32(out[i*4:i*4+4], w)
	}
	return out
}

// --- Password key derivation ------------------------------------------

// pkSeed is the fixed 16-byte seed block the password-stretch starts
// from; it is not a secret, just the algorithm's IV-equivalent.
var pkSeed = []byte{0x93, 0xC4, 0x67, 0xE3, 0x7D, 0xB0, 0xC7, 0xA4, 0xD1, 0xBE, 0x3F, 0x81, 0x01, 0x52, 0xCB, 0x56}

// aesKeyFromPassword derives the 16-byte password key (PK) spec §3
// defines: deterministic, so the same password yields the same PK on
// any platform. The password is folded 4 characters at a time into a
// 16-byte key block, which is used to chain-encrypt a running
// accumulator 0x10000 times.
func aesKeyFromPassword(password string) []byte {
	pw := []byte(password)
	pkey := append([]byte(nil), pkSeed...)

	for round := 0; round < 0x10000; round++ {
		for i := 0; i < len(pw); i += 4 {
			block := zeroBuf(16)
			for j := 0; j < 4 && i+j < len(pw); j++ {
				block[j] = pw[i+j]
			}
			enc, err := aesECBEncrypt(block, pkey)
			if err != nil {
				panic("mega: password key derivation: " + err.Error())
			}
			pkey = enc
		}
		if len(pw) == 0 {
			// Still perform the 0x10000 chaining rounds on the seed
			// alone so an empty password is deterministic too, rather
			// than a no-op loop body.
			enc, err := aesECBEncrypt(zeroBuf(16), pkey)
			if err != nil {
				panic("mega: password key derivation: " + err.Error())
			}
			pkey = enc
		}
	}
	return pkey
}

// makeUsernameHash implements spec §4.1's make_username_hash: an
// AES-based MAC of the lowercased email under PK, folded to a uint32
// accumulator, chain-encrypted 0x4000 times, and the first and third
// words taken as the 8-byte result, URL-base64 encoded.
func makeUsernameHash(pk []byte, email string) (string, error) {
	lower := lowerASCII(email)
	words := bytesToA32(alignbuf([]byte(lower), 4, false))

	h := [4]uint32{0, 0, 0, 0}
	for i, w := range words {
		h[i%4] ^= w
	}

	acc := a32ToBytes(h[:])
	for round := 0; round < 0x4000; round++ {
		enc, err := aesECBEncrypt(pk, acc)
		if err != nil {
			return "", err
		}
		acc = enc
	}

	accWords := bytesToA32(acc)
	result := a32ToBytes([]uint32{accWords[0], accWords[2]})
	return string(ub64enc(result)), nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// fileNodeKeyUnpack folds a 32-byte packed file key into the 16-byte
// AES key used for attribute decryption (spec §3, §4.1): the node key
// proper is the XOR of the key's two 16-byte halves, word by word.
func fileNodeKeyUnpack(key32 []byte) ([]byte, error) {
	if len(key32) != 32 {
		return nil, errors.New("mega: fileNodeKeyUnpack requires a 32-byte key")
	}
	words := bytesToA32(key32)
	folded := []uint32{
		words[0] ^ words[4],
		words[1] ^ words[5],
		words[2] ^ words[6],
		words[3] ^ words[7],
	}
	return a32ToBytes(folded), nil
}

// --- RSA ---------------------------------------------------------------
//
// The service's RSA wire form is a sequence of MPI-encoded big
// integers: a 2-byte big-endian bit length followed by
// ceil(bits/8) magnitude bytes, with no sign and no padding scheme
// beyond that framing. A public key is (modulus, exponent); rsaPrivate is
// (p, q, d, u) where u = p^-1 mod q per the classic multi-prime CRT
// layout. The core never needs the CRT speedup, only d and the
// modulus n = p*q, so decryption is a single big.Int.Exp.

func mpiEncode(v *big.Int) []byte {
	bitLen := v.BitLen()
	mag := v.Bytes()
	out := make([]byte, 2+len(mag))
	binary.BigEndian.PutUint16(out[:2], uint16(bitLen))
	copy(out[2:], mag)
	return out
}

func mpiDecode(buf []byte) (*big.Int, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, errors.New("mega: truncated MPI integer")
	}
	bitLen := binary.BigEndian.Uint16(buf[:2])
	byteLen := (int(bitLen) + 7) / 8
	if len(buf) < 2+byteLen {
		return nil, nil, errors.New("mega: truncated MPI integer body")
	}
	v := new(big.Int).SetBytes(buf[2 : 2+byteLen])
	return v, buf[2+byteLen:], nil
}

type rsaPrivate struct {
	P, Q, D, U *big.Int
}

func (priv *rsaPrivate) modulus() *big.Int {
	return new(big.Int).Mul(priv.P, priv.Q)
}

// rsaGenerate creates a fresh RSA keypair and returns the MEGA wire
// encoding of the public key and the MK-wrapped private key, per spec
// §4.1's rsa_generate(mk).
func rsaGenerate(mk []byte, bits int) (pubk []byte, privkWrapped []byte, err error) {
	e := big.NewInt(17) // MEGA's SDKs use a small fixed public exponent.
	var p, q, d *big.Int
	// Draw fresh primes until p != q and e is invertible mod phi(n).
	for d == nil {
		if p, err = rand.Prime(rand.Reader, bits/2); err != nil {
			return nil, nil, err
		}
		if q, err = rand.Prime(rand.Reader, bits/2); err != nil {
			return nil, nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}
		phi := new(big.Int).Mul(new(big.Int).Sub(p, big.NewInt(1)), new(big.Int).Sub(q, big.NewInt(1)))
		d = new(big.Int).ModInverse(e, phi)
	}
	n := new(big.Int).Mul(p, q)
	u := new(big.Int).ModInverse(p, q)
	if u == nil {
		return nil, nil, errors.New("mega: rsa key generation: p has no inverse mod q")
	}

	pubk = joinbuf(mpiEncode(n), mpiEncode(e))

	plain := joinbuf(mpiEncode(p), mpiEncode(q), mpiEncode(d), mpiEncode(u))
	padded := alignbuf(plain, 16, true)
	privkWrapped, err = aesCBCEncrypt(mk, padded)
	return pubk, privkWrapped, err
}

func unwrapPrivateKey(privkWrapped, mk []byte) (*rsaPrivate, error) {
	plain, err := aesCBCDecrypt(mk, privkWrapped)
	if err != nil {
		return nil, err
	}
	p, rest, err := mpiDecode(plain)
	if err != nil {
		return nil, err
	}
	q, rest, err := mpiDecode(rest)
	if err != nil {
		return nil, err
	}
	d, rest, err := mpiDecode(rest)
	if err != nil {
		return nil, err
	}
	u, _, err := mpiDecode(rest)
	if err != nil {
		return nil, err
	}
	return &rsaPrivate{P: p, Q: q, D: d, U: u}, nil
}

// rsaDecryptSID implements spec §4.1's rsa_decrypt_sid: unwrap privk
// with mk, RSA-decrypt csid with the resulting private key, and return
// the leading 43 bytes of session id.
func rsaDecryptSID(privkWrapped, mk, csid []byte) ([]byte, error) {
	priv, err := unwrapPrivateKey(privkWrapped, mk)
	if err != nil {
		return nil, ErrSIDDecryptFail
	}
	c, _, err := mpiDecode(csid)
	if err != nil {
		return nil, ErrSIDDecryptFail
	}
	n := priv.modulus()
	m := new(big.Int).Exp(c, priv.D, n)
	out := m.Bytes()
	if len(out) < 43 {
		return nil, ErrSIDDecryptFail
	}
	return out[:43], nil
}

// rsaEncrypt encrypts payload for the holder of pubk (used when
// sharing a folder with a user whose RSA public key we know; spec §3
// "delivered either wrapped with MK (owner) or RSA-encrypted
// (grantee)").
func rsaEncrypt(pubk, payload []byte) ([]byte, error) {
	n, rest, err := mpiDecode(pubk)
	if err != nil {
		return nil, err
	}
	e, _, err := mpiDecode(rest)
	if err != nil {
		return nil, err
	}
	m := new(big.Int).SetBytes(payload)
	if m.Cmp(n) >= 0 {
		return nil, errors.New("mega: rsaEncrypt: payload too large for modulus")
	}
	c := new(big.Int).Exp(m, e, n)
	return mpiEncode(c), nil
}

// rsaDecrypt is the general counterpart of rsaDecryptSID for an
// arbitrary ciphertext (e.g. a grantee unwrapping a share key that
// was RSA-encrypted for them).
func rsaDecrypt(privkWrapped, mk, ciphertext []byte) ([]byte, error) {
	priv, err := unwrapPrivateKey(privkWrapped, mk)
	if err != nil {
		return nil, err
	}
	c, _, err := mpiDecode(ciphertext)
	if err != nil {
		return nil, err
	}
	n := priv.modulus()
	m := new(big.Int).Exp(c, priv.D, n)
	return m.Bytes(), nil
}
