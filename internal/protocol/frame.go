package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Decode extracts zero or more complete JSON frames from a raw byte
// buffer. A single read may contain several concatenated objects; the
// extraction rule is brace-balanced in the narrow sense the reference
// server relies on: yield every maximal substring starting at '{' and
// ending at the next '}'. This intentionally does not track nesting or
// string-escaping — it reproduces the non-greedy `{.*?}` regex semantics
// byte for byte, including its blind spot: a '}' inside a JSON string
// value ends the frame early. On-wire payloads are flat scalar maps, so
// this never arises in practice.
func Decode(buf []byte) ([][]byte, error) {
	var frames [][]byte
	i := 0
	for i < len(buf) {
		start := indexByte(buf, i, '{')
		if start < 0 {
			break
		}
		end := indexByte(buf, start+1, '}')
		if end < 0 {
			break
		}
		frames = append(frames, buf[start:end+1])
		i = end + 1
	}
	if len(frames) == 0 && len(buf) > 0 {
		return nil, fmt.Errorf("%w: no frames in %d bytes", ErrMalformedFrame, len(buf))
	}
	return frames, nil
}

func indexByte(buf []byte, from int, b byte) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == b {
			return i
		}
	}
	return -1
}

// Encode is the inverse of Decode for a single frame: the UTF-8 bytes of
// the JSON text. Provided for symmetry; callers typically marshal a
// Response directly.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Cipher wraps frame encode/decode with an optional symmetric transform.
// When no key is installed the identity cipher is used and the wire
// format is unmodified plaintext JSON.
type Cipher interface {
	// Seal transforms plaintext frame bytes before they go on the wire.
	Seal(plaintext []byte) ([]byte, error)
	// Open reverses Seal.
	Open(ciphertext []byte) ([]byte, error)
}

type identityCipher struct{}

func (identityCipher) Seal(p []byte) ([]byte, error) { return p, nil }
func (identityCipher) Open(c []byte) ([]byte, error) { return c, nil }

// Identity is the no-op cipher used when no key is configured.
var Identity Cipher = identityCipher{}

// secretboxCipher wraps each frame in a NaCl secretbox, base64-encoding
// the nonce+ciphertext into a single-field JSON envelope `{"ct":"..."}` so
// the brace-matching extractor above still finds one complete object.
type secretboxCipher struct {
	key [32]byte
}

// NewSecretboxCipher builds a Cipher from a 32-byte shared key.
func NewSecretboxCipher(key [32]byte) Cipher {
	return &secretboxCipher{key: key}
}

type ciphertextEnvelope struct {
	CT string `json:"ct"`
}

var errShortCiphertext = errors.New("protocol: ciphertext too short")

func (c *secretboxCipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	env := ciphertextEnvelope{CT: base64.StdEncoding.EncodeToString(sealed)}
	return json.Marshal(env)
}

func (c *secretboxCipher) Open(frame []byte) ([]byte, error) {
	var env ciphertextEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	raw, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) < 24 {
		return nil, errShortCiphertext
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox open failed", ErrMalformedFrame)
	}
	return plaintext, nil
}
