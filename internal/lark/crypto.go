package lark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"larkgate/internal/domain"
)

// challengePayload is the URL-verification handshake the platform sends when
// the webhook endpoint is first configured.
type challengePayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
}

const challengeType = "url_verification"

// parseChallenge returns the challenge payload if body is a URL-verification
// request, or ok=false otherwise.
func parseChallenge(body []byte) (challengePayload, bool) {
	var p challengePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return challengePayload{}, false
	}
	return p, p.Type == challengeType
}

// VerifySignature checks the header-supplied signature against the hex
// SHA-256 of timestamp + nonce + encryptKey + rawBody.
func VerifySignature(rawBody []byte, timestamp, nonce, signature, encryptKey string) bool {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(rawBody)
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// DecryptEvent decrypts an encrypted webhook envelope. The symmetric key is
// SHA-256(encryptKey); the first 16 bytes of the base64-decoded payload are
// the IV, the remainder AES-256-CBC ciphertext with PKCS#7 padding.
func DecryptEvent(encrypted, encryptKey string) (*WebhookEvent, error) {
	key := sha256.Sum256([]byte(encryptKey))

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", domain.ErrDecryption, err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", domain.ErrDecryption, len(raw))
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", domain.ErrDecryption)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = stripPKCS7(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	var event WebhookEvent
	if err := json.Unmarshal(plaintext, &event); err != nil {
		return nil, fmt.Errorf("%w: decrypted payload is not valid JSON: %v", domain.ErrDecryption, err)
	}
	return &event, nil
}

// EncryptEvent is the inverse of DecryptEvent. Only tests and local tooling
// need it; the platform does the real encryption.
func EncryptEvent(plaintext []byte, encryptKey string, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}
