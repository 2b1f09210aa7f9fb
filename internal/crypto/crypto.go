package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/scrypt"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope format")
	ErrKeyTooShort     = errors.New("encryption key must be at least 32 bytes")
)

// envelopeVersion 信封版本号，变更加密参数时递增
const envelopeVersion = "v1"

// 服务级固定盐，只用于从配置密钥派生 AES 密钥，
// 不能复用到任何面向用户的口令哈希。
var deriveSalt = []byte("claude-relay-service:envelope")

// keyPattern 明文 Key 的格式守卫，防止注入日志或 URL
var keyPattern = regexp.MustCompile(`^(sk_|cr_|pk_)[A-Za-z0-9_]{17,253}$`)

// Cipher 对称加密门面
//
// OAuth 凭证落盘前统一经过这里，信封格式:
//
//	v1:<base64 nonce>:<base64 ciphertext+tag>
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 从配置密钥派生 AES-256-GCM 加密器
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < 32 {
		return nil, ErrKeyTooShort
	}

	key, err := scrypt.Key([]byte(secret), deriveSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt 加密明文并返回版本化信封
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return envelopeVersion + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密版本化信封
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.SplitN(envelope, ":", 3)
	if len(parts) != 3 {
		return nil, ErrInvalidEnvelope
	}
	if parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, parts[0])
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidEnvelope
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope: %w", err)
	}
	return plaintext, nil
}

// HashKey 计算明文 Key 的 SHA-256 指纹（64 位十六进制）
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// SecureCompare 常量时间比较两个字符串
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateAPIKey 生成带前缀的随机 Key 明文
//
// 随机部分是 32 字节的 base64url 编码（43 字符，无填充）。
func GenerateAPIKey(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key := prefix + strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(raw), "-", "_")
	if !ValidKeyFormat(key) {
		return "", fmt.Errorf("generated key failed format guard")
	}
	return key, nil
}

// ValidKeyFormat 校验明文 Key 格式
func ValidKeyFormat(plaintext string) bool {
	return keyPattern.MatchString(plaintext)
}

// Fingerprint 对任意内容计算稳定指纹，用于会话粘滞等场景
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
