package crypto_layer

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/nhirsama/Goster-Gateway/src/inter"
)

// CryptoLayer 管理会话级 X25519 密钥对与协商出的 AES-256 会话密钥。
// 公钥与共享密钥均为 RFC 7748 规范的小端字节序，与服务端约定一致，
// 共享密钥不经 KDF 直接作为 AES-256 密钥使用。
type CryptoLayer struct {
	priv       *ecdh.PrivateKey
	sessionKey []byte
}

func New() *CryptoLayer {
	return &CryptoLayer{}
}

// GenerateKeyPair 为新会话生成一组临时密钥对
// 每次 TCP 连接建立后都必须重新生成，避免跨会话密钥复用
func (c *CryptoLayer) GenerateKeyPair() error {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("生成 X25519 密钥对失败: %w", err)
	}
	c.priv = priv
	c.sessionKey = nil
	return nil
}

// PublicKey 本端公钥的 32 字节线上形式
func (c *CryptoLayer) PublicKey() []byte {
	if c.priv == nil {
		return nil
	}
	return c.priv.PublicKey().Bytes()
}

// ComputeSharedSecret 使用对端公钥协商共享密钥 (ECDH)
// 对端公钥非法或共享密钥退化为全零时返回 inter.ErrCryptoFail
func (c *CryptoLayer) ComputeSharedSecret(peerPubKeyBytes []byte) error {
	if c.priv == nil {
		return fmt.Errorf("%w: 本端密钥对不存在", inter.ErrCryptoFail)
	}
	peerPubKey, err := ecdh.X25519().NewPublicKey(peerPubKeyBytes)
	if err != nil {
		return fmt.Errorf("%w: 无效的对端公钥: %v", inter.ErrCryptoFail, err)
	}

	secret, err := c.priv.ECDH(peerPubKey)
	if err != nil {
		// crypto/ecdh 对低阶点产生的全零结果直接报错
		return fmt.Errorf("%w: 密钥协商失败: %v", inter.ErrCryptoFail, err)
	}

	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: 共享密钥退化为全零", inter.ErrCryptoFail)
	}

	c.sessionKey = secret
	return nil
}

// SessionKey 协商出的 32 字节会话密钥，未协商时为 nil
func (c *CryptoLayer) SessionKey() []byte {
	return c.sessionKey
}

// HasSessionKey 是否已持有会话密钥
func (c *CryptoLayer) HasSessionKey() bool {
	return c.sessionKey != nil
}

// Reset 销毁会话密钥与密钥对 (连接断开时调用)
func (c *CryptoLayer) Reset() {
	for i := range c.sessionKey {
		c.sessionKey[i] = 0
	}
	c.sessionKey = nil
	c.priv = nil
}
