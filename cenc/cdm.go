package cenc

// CDM 是外部解密模块的最小接口。
// iv 固定 16 字节；plaintext 与 ciphertext 等长，由调用方分配。
// 并发调用多帧时要求实现自身线程安全。
type CDM interface {
	Decrypt(scheme EncryptionScheme, pattern EncryptionPattern, blockOffset uint32,
		keyID []byte, iv []byte, ciphertext []byte, plaintext []byte) DecryptStatus
}
