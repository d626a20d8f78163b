// Package crypto implements the WeCom callback message encryption scheme:
// SHA1 signatures over the sorted request parameters and AES-256-CBC
// payloads framed as random(16) | length(4, big endian) | message | receive id.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by the platform signature scheme
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	keySize      = 32
	blockPadding = 32
	randomPrefix = 16
	lengthField  = 4
	nonceLength  = 12
	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	// ErrSignatureInvalid indicates the msg_signature does not match the request.
	ErrSignatureInvalid = errors.New("wecom signature invalid")
	// ErrPaddingInvalid indicates a malformed ciphertext, padding or frame length.
	ErrPaddingInvalid = errors.New("wecom padding invalid")
	// ErrReceiveIDMismatch indicates the decrypted frame belongs to another receiver.
	ErrReceiveIDMismatch = errors.New("wecom receive id mismatch")
	// ErrKeyInvalid indicates the EncodingAESKey does not decode to 32 bytes.
	ErrKeyInvalid = errors.New("wecom encoding aes key invalid")
)

// Envelope is the encrypted passive reply body expected by the platform.
type Envelope struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// Cryptor verifies, decrypts and encrypts callback payloads for one robot.
type Cryptor struct {
	token     string
	key       []byte
	receiveID string
}

// New decodes the 43-character EncodingAESKey and returns a Cryptor bound to token.
// Intelligent robots use an empty receive id.
func New(token, encodingAESKey string) (*Cryptor, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodingAESKey) + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyInvalid, keySize, len(raw))
	}
	return &Cryptor{token: strings.TrimSpace(token), key: raw}, nil
}

// Signature computes the hex SHA1 of the lexicographically sorted parameters.
func Signature(token, timestamp, nonce, encrypted string) string {
	parts := []string{strings.TrimSpace(token), strings.TrimSpace(timestamp), strings.TrimSpace(nonce), strings.TrimSpace(encrypted)}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, ""))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// VerifySignature fails closed with ErrSignatureInvalid on any mismatch.
func (c *Cryptor) VerifySignature(signature, timestamp, nonce, encrypted string) error {
	expected := Signature(c.token, timestamp, nonce, encrypted)
	if !strings.EqualFold(expected, strings.TrimSpace(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyAndDecrypt checks the signature first and only then decrypts.
func (c *Cryptor) VerifyAndDecrypt(signature, timestamp, nonce, encrypted string) (string, error) {
	if err := c.VerifySignature(signature, timestamp, nonce, encrypted); err != nil {
		return "", err
	}
	return c.Decrypt(encrypted)
}

// Decrypt opens a base64 ciphertext and returns the framed message.
func (c *Cryptor) Decrypt(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrPaddingInvalid, err)
	}
	plain, err := c.decryptBlocks(ciphertext)
	if err != nil {
		return "", err
	}
	if len(plain) < randomPrefix+lengthField {
		return "", fmt.Errorf("%w: payload too short", ErrPaddingInvalid)
	}
	msgLen := int(binary.BigEndian.Uint32(plain[randomPrefix : randomPrefix+lengthField]))
	start := randomPrefix + lengthField
	end := start + msgLen
	if msgLen < 0 || end < start || end > len(plain) {
		return "", fmt.Errorf("%w: frame length %d exceeds payload", ErrPaddingInvalid, msgLen)
	}
	msg := plain[start:end]
	if !utf8.Valid(msg) {
		return "", fmt.Errorf("%w: payload is not utf-8", ErrPaddingInvalid)
	}
	if !bytes.Equal(plain[end:], []byte(c.receiveID)) {
		return "", ErrReceiveIDMismatch
	}
	return string(msg), nil
}

// DecryptFile decrypts an attachment body. Media use the same key and IV
// but carry no frame, only the 32-byte block padding.
func (c *Cryptor) DecryptFile(data []byte) ([]byte, error) {
	return c.decryptBlocks(data)
}

// Encrypt frames and encrypts plaintext, returning base64 ciphertext.
func (c *Cryptor) Encrypt(plaintext string) (string, error) {
	msg := []byte(plaintext)
	if uint64(len(msg)) > uint64(^uint32(0)) {
		return "", errors.New("wecom plaintext too large")
	}
	frame := make([]byte, 0, randomPrefix+lengthField+len(msg)+len(c.receiveID)+blockPadding)
	frame = append(frame, RandomString(randomPrefix)...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(msg)))
	frame = append(frame, msg...)
	frame = append(frame, c.receiveID...)

	out, err := c.EncryptFile(frame)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// EncryptFile pads and encrypts raw bytes the way media downloads are encrypted.
func (c *Cryptor) EncryptFile(data []byte) ([]byte, error) {
	padded := pad(append([]byte(nil), data...))
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, padded)
	return out, nil
}

// EncryptAndSign builds a passive reply envelope. Empty timestamp or nonce
// are generated.
func (c *Cryptor) EncryptAndSign(plaintext, timestamp, nonce string) (Envelope, error) {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		nonce = RandomString(nonceLength)
	}
	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Encrypt:      encrypted,
		MsgSignature: Signature(c.token, timestamp, nonce, encrypted),
		Timestamp:    timestamp,
		Nonce:        nonce,
	}, nil
}

func (c *Cryptor) decryptBlocks(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a block multiple", ErrPaddingInvalid, len(ciphertext))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)
	return unpad(plain)
}

func pad(data []byte) []byte {
	n := blockPadding - len(data)%blockPadding
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrPaddingInvalid)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockPadding || n > len(data) {
		return nil, fmt.Errorf("%w: pad length %d", ErrPaddingInvalid, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: pad bytes do not match length %d", ErrPaddingInvalid, n)
		}
	}
	return data[:len(data)-n], nil
}

// RandomString returns n random ASCII alphanumerics from crypto/rand.
func RandomString(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(buf)
}
