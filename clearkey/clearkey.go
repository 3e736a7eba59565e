package clearkey

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"log"
	"sync"

	"cencproxy/cenc"
)

// CDM 是基于本地密钥的 ClearKey 解密模块，实现 cenc.CDM。
// 密钥只从本地配置注册进来，没有 license 交换。
// Decrypt 内部无共享可变状态，可以多帧并发调用。
type CDM struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func New() *CDM {
	return &CDM{keys: make(map[string][]byte)}
}

// AddKey 注册 kid 到 key 的映射，key 必须是 16 字节
func (c *CDM) AddKey(kid, key []byte) error {
	if len(key) != 16 {
		return fmt.Errorf("key 长度 %d, 期望 16", len(key))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[string(kid)] = append([]byte(nil), key...)
	return nil
}

func (c *CDM) lookup(kid []byte) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[string(kid)]
}

func (c *CDM) Decrypt(scheme cenc.EncryptionScheme, pattern cenc.EncryptionPattern,
	blockOffset uint32, keyID []byte, iv []byte, ciphertext []byte, plaintext []byte) cenc.DecryptStatus {

	key := c.lookup(keyID)
	if key == nil {
		log.Printf("[ERROR] 没有 kid %x 对应的密钥", keyID)
		return cenc.DecryptKeyNotFound
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		log.Printf("[ERROR] 创建 AES cipher 失败: %v", err)
		return cenc.DecryptOther
	}

	switch scheme {
	case cenc.AesCtr:
		decryptCTR(block, iv, blockOffset, pattern, ciphertext, plaintext)
		return cenc.DecryptSuccess
	case cenc.AesCbc:
		decryptCBC(block, iv, pattern, ciphertext, plaintext)
		return cenc.DecryptSuccess
	default:
		return cenc.DecryptNotSupported
	}
}

// CTR：先丢掉 blockOffset 字节密钥流对齐到当前 block 内偏移。
// 带 pattern 时只有 crypt block 消耗密钥流，skip block 原样拷贝。
func decryptCTR(block cipher.Block, iv []byte, blockOffset uint32,
	pattern cenc.EncryptionPattern, src, dst []byte) {

	stream := cipher.NewCTR(block, iv)
	if blockOffset > 0 {
		discard := make([]byte, blockOffset)
		stream.XORKeyStream(discard, discard)
	}

	if pattern.CryptByteBlock == 0 && pattern.SkipByteBlock == 0 {
		stream.XORKeyStream(dst, src)
		return
	}

	blockSize := block.BlockSize()
	size := len(src)
	offset := 0
	for offset < size {
		for i := uint32(0); i < pattern.CryptByteBlock && offset < size; i++ {
			remain := size - offset
			if remain >= blockSize {
				stream.XORKeyStream(dst[offset:offset+blockSize], src[offset:offset+blockSize])
				offset += blockSize
			} else {
				// 尾部不足 block，保留明文
				copy(dst[offset:], src[offset:])
				offset = size
			}
		}
		for i := uint32(0); i < pattern.SkipByteBlock && offset < size; i++ {
			remain := size - offset
			if remain >= blockSize {
				copy(dst[offset:offset+blockSize], src[offset:offset+blockSize])
				offset += blockSize
			} else {
				copy(dst[offset:], src[offset:])
				offset = size
			}
		}
	}
}

// CBC：无 pattern 时当成 1:0 全解，链条只跨解密过的 block，
// skip block 不参与链式
func decryptCBC(block cipher.Block, iv []byte, pattern cenc.EncryptionPattern, src, dst []byte) {
	cryptByteBlock := int(pattern.CryptByteBlock)
	skipByteBlock := int(pattern.SkipByteBlock)
	if cryptByteBlock == 0 && skipByteBlock == 0 {
		cryptByteBlock = 1
	}

	blockSize := block.BlockSize()
	size := len(src)

	prevCipher := make([]byte, blockSize)
	copy(prevCipher, iv)
	tmp := make([]byte, blockSize)
	cipherBlock := make([]byte, blockSize)

	offset := 0
	for offset < size {
		for i := 0; i < cryptByteBlock && offset < size; i++ {
			remain := size - offset
			if remain >= blockSize {
				// 保存当前密文 block 再解密
				copy(cipherBlock, src[offset:offset+blockSize])
				block.Decrypt(tmp, src[offset:offset+blockSize])
				for j := 0; j < blockSize; j++ {
					dst[offset+j] = tmp[j] ^ prevCipher[j]
				}
				copy(prevCipher, cipherBlock)
				offset += blockSize
			} else {
				// 尾部不足 block，保留明文
				copy(dst[offset:], src[offset:])
				offset = size
			}
		}
		for i := 0; i < skipByteBlock && offset < size; i++ {
			remain := size - offset
			if remain >= blockSize {
				copy(dst[offset:offset+blockSize], src[offset:offset+blockSize])
				offset += blockSize
			} else {
				copy(dst[offset:], src[offset:])
				offset = size
			}
		}
	}
}
