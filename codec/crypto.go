package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"github.com/rustyeddy/merossmgr/merrors"
)

// Encrypt ciphers plaintext for a device whose capability flag
// supportsEncryption is set. The key is derived via c.KeyDeriver, which the
// caller must supply — see Open Question 1 in DESIGN.md: the device-side
// derivation from (uuid, mac, userKey) is not reproduced here, so this
// fails closed (KindUnsupported) rather than guess at it.
func (c *Codec) Encrypt(deviceUUID, mac string, plaintext []byte) ([]byte, error) {
	if c.KeyDeriver == nil {
		return nil, merrors.NewUnsupported("LAN encryption requires a KeyDeriver (none configured)")
	}
	key, err := c.KeyDeriver(deviceUUID, mac, c.UserKey)
	if err != nil {
		return nil, merrors.NewInitialization("encryption key derivation failed", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, merrors.NewInitialization("invalid derived encryption key", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	copy(iv, key[:aes.BlockSize])

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt, then strips the trailing-NUL padding the device
// adds to the decrypted JSON payload.
func (c *Codec) Decrypt(deviceUUID, mac string, ciphertext []byte) ([]byte, error) {
	if c.KeyDeriver == nil {
		return nil, merrors.NewUnsupported("LAN encryption requires a KeyDeriver (none configured)")
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return nil, merrors.NewParse("ciphertext is not a multiple of the block size", nil)
	}
	key, err := c.KeyDeriver(deviceUUID, mac, c.UserKey)
	if err != nil {
		return nil, merrors.NewInitialization("encryption key derivation failed", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, merrors.NewInitialization("invalid derived encryption key", err)
	}

	iv := ciphertext[:aes.BlockSize]
	body := ciphertext[aes.BlockSize:]
	out := make([]byte, len(body))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, body)

	return stripTrailingNUL(unpadPKCS7(out)), nil
}

func padPKCS7(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func unpadPKCS7(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	pad := int(b[len(b)-1])
	if pad <= 0 || pad > len(b) {
		return b
	}
	return b[:len(b)-pad]
}
