package cenc

import "encoding/binary"

const aesBlockSize = 16

// 右补零 IV 到 16 字节，使用复用数组避免重复分配
func padIV(iv []byte, iv16 *[16]byte) []byte {
	for i := range iv16 {
		iv16[i] = 0
	}
	copy(iv16[:], iv)
	return iv16[:]
}

// incrementIV 把 count 加到 IV 低 64 位（大端计数器）。
// 低 32 位溢出时向 iv[8:12] 进位，CENC 的帧内计数不会再往上溢出。
func incrementIV(count uint32, iv []byte) {
	hi := binary.BigEndian.Uint32(iv[8:12])
	lo := binary.BigEndian.Uint32(iv[12:16])
	if 0xffffffff-count < lo {
		hi++
	}
	lo += count
	binary.BigEndian.PutUint32(iv[8:12], hi)
	binary.BigEndian.PutUint32(iv[12:16], lo)
}

// cbc1 链式：IV 换成上一段密文的最后一个 block
// 前提 len(ciphertext) >= 16 且为 16 的倍数，由调用方检查
func setIVToLastBlock(ciphertext []byte, iv []byte) {
	copy(iv, ciphertext[len(ciphertext)-aesBlockSize:])
}
