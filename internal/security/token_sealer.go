package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	// ErrInvalidKey は暗号鍵がbase64でない、または32バイトでないことを表す。
	ErrInvalidKey = errors.New("token encryption key must be 32 bytes encoded in base64")
	// ErrSealedTokenInvalid は封印済みトークンの形式不正または改ざんを表す。
	ErrSealedTokenInvalid = errors.New("sealed token is malformed or has been tampered with")
)

// TokenSealer はアクセストークンを保存前に暗号化し、利用時に復号する。
// NaCl secretbox（XSalsa20-Poly1305）で認証付き暗号化を行う。
type TokenSealer struct {
	key  [keySize]byte
	rand io.Reader
}

// NewTokenSealer はbase64エンコードされた32バイト鍵からTokenSealerを生成する。
func NewTokenSealer(encodedKey string) (*TokenSealer, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	s := &TokenSealer{rand: rand.Reader}
	copy(s.key[:], raw)
	return s, nil
}

// Seal は平文トークンを暗号化し、nonceと暗号文を連結したbase64文字列を返す。
// 同じ入力でも呼び出しごとに異なる出力になる。
func (s *TokenSealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open はSealの出力を復号する。形式不正や改ざんを検知した場合はErrSealedTokenInvalidを返す。
func (s *TokenSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrSealedTokenInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrSealedTokenInvalid
	}
	return string(plaintext), nil
}
