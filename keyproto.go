package mega

import (
	"bytes"
	"encoding/json"
	"errors"
)

// This file is the Key protocol layer (spec §4.2, component C2): the
// session-blob envelope, the encrypted-attribute codec, and the
// TSID/CSID checks that gate a login from being accepted.

var attrMagic = []byte("MEGA")
var attrMagicWithBrace = []byte("MEGA{")

// blobFilename derives the on-disk name for a session blob, per spec
// §4.2: base64(AES-CBC(PK, SHA-256(username‖password‖name)))[0..30].
// name is "" for the primary session blob and "fs" for the filesystem
// snapshot (spec §4.4).
func blobFilename(pk []byte, username, password, name string) (string, error) {
	digest := sha256Digest(joinbuf([]byte(username), []byte(password), []byte(name)))
	enc, err := aesCBCEncrypt(pk, alignbuf(digest, 16, false))
	if err != nil {
		return "", err
	}
	encoded := ub64enc(enc)
	if len(encoded) > 30 {
		encoded = encoded[:30]
	}
	return string(encoded), nil
}

// saveBlob encrypts and writes a plaintext payload under the envelope
// described in spec §4.2: payload prefixed with its own SHA-256
// digest, the whole encrypted with AES-CTR under pk using a nonce
// taken from the first 8 bytes of the same digest used to derive the
// file path.
func saveBlob(store FileStore, pk []byte, username, password, name string, payload []byte) error {
	filename, err := blobFilename(pk, username, password, name)
	if err != nil {
		return err
	}
	pathDigest := sha256Digest(joinbuf([]byte(username), []byte(password), []byte(name)))
	nonce := pathDigest[:8]

	prefixed := joinbuf(sha256Digest(payload), payload)
	ciphertext, err := aesCTR(pk, nonce, 0, prefixed)
	if err != nil {
		return err
	}
	return store.Write(blobPath(store, filename), ciphertext)
}

// loadBlob reverses saveBlob. Any corruption, digest mismatch, or
// absent file yields (nil, nil) — a "null load" per spec §4.2 — never
// an error a caller would need to distinguish from "not present yet".
func loadBlob(store FileStore, pk []byte, username, password, name string) ([]byte, error) {
	filename, err := blobFilename(pk, username, password, name)
	if err != nil {
		return nil, err
	}
	ciphertext, err := store.Read(blobPath(store, filename))
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, nil
	}

	pathDigest := sha256Digest(joinbuf([]byte(username), []byte(password), []byte(name)))
	nonce := pathDigest[:8]

	plain, err := aesCTR(pk, nonce, 0, ciphertext)
	if err != nil {
		return nil, nil
	}
	if len(plain) < sha256DigestSize {
		return nil, nil
	}

	wantDigest := plain[:sha256DigestSize]
	body := plain[sha256DigestSize:]
	if !bytes.Equal(wantDigest, sha256Digest(body)) {
		return nil, nil
	}
	return body, nil
}

// decNodeAttrs implements spec §4.2's encrypted node attribute codec:
// base64-decode, AES-CBC decrypt with the node key (zero IV), strip
// the "MEGA" magic, and parse the JSON tail. Trailing zero padding
// (from the 16-byte alignment on encode) must be tolerated.
//
// The source's `buf.slice(0,4) == 'MEGA'` comparison is, per spec §9,
// semantically a byte-prefix comparison against the literal "MEGA{"
// (the node is only admitted if the attribute blob begins with that
// five-byte magic, spec §3's invariant); this implementation checks
// that directly rather than checking "MEGA" alone and trusting the
// JSON parser to reject anything that doesn't open with an object.
func decNodeAttrs(nodeKey []byte, blobB64 []byte) (map[string]interface{}, error) {
	raw, err := ub64dec(blobB64)
	if err != nil {
		return nil, err
	}
	if len(raw)%16 != 0 {
		return nil, errors.New("mega: attribute blob is not block aligned")
	}
	plain, err := aesCBCDecrypt(nodeKey, raw)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(plain, attrMagicWithBrace) {
		return nil, errors.New("mega: attribute blob missing MEGA{ magic")
	}

	jsonTail := bytes.TrimRight(plain[len(attrMagic):], "\x00")

	var attrs map[string]interface{}
	if err := json.Unmarshal(jsonTail, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// makeNodeAttrs is the encode direction: base64(AES-CBC-zeroIV(key,
// align16("MEGA" ‖ json(attrs)))).
func makeNodeAttrs(nodeKey []byte, attrs interface{}) ([]byte, error) {
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	plain := alignbuf(joinbuf(attrMagic, body), 16, false)
	ciphertext, err := aesCBCEncrypt(nodeKey, plain)
	if err != nil {
		return nil, err
	}
	return ub64enc(ciphertext), nil
}

// checkTSID implements spec §4.2's TSID check / §3's TSID invariant:
// decode base64, require at least 32 bytes, and verify the last 16
// bytes equal AES-ECB(MK, first 16 bytes).
func checkTSID(tsidB64 []byte, mk []byte) (bool, error) {
	raw, err := ub64dec(tsidB64)
	if err != nil {
		return false, err
	}
	if len(raw) < 32 {
		return false, nil
	}
	ts1 := raw[:16]
	ts2a := raw[len(raw)-16:]
	expected, err := aesECBEncrypt(mk, ts1)
	if err != nil {
		return false, err
	}
	return bytes.Equal(expected, ts2a), nil
}
