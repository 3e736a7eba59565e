package cenc

import "log"

// walkSubsamples 按 subsample 表逐段拷明文、送 CDM 解密并维护 IV 状态。
// 只有这里的几个游标是状态，纯顺序，不重试不回退。
func walkSubsamples(cdm CDM, info *EncryptionInfo, scheme EncryptionScheme,
	payload []byte, dest []byte) Status {

	pattern := EncryptionPattern{info.CryptByteBlock, info.SkipByteBlock}
	remaining := uint32(len(payload))
	var src, dst uint32
	var blockOffset uint32

	var iv16 [16]byte
	iv := padIV(info.IV, &iv16)

	for _, sub := range info.Subsamples {
		clearBytes := sub.BytesOfClearData
		protectedBytes := sub.BytesOfProtectedData
		if remaining < clearBytes || remaining-clearBytes < protectedBytes {
			log.Printf("[ERROR] subsample 长度超出 payload: clear=%d protected=%d remaining=%d",
				clearBytes, protectedBytes, remaining)
			return InvalidContainerData
		}

		// 先拷明文段，明文不影响 IV 和 blockOffset
		copy(dest[dst:dst+clearBytes], payload[src:src+clearBytes])
		src += clearBytes
		dst += clearBytes
		remaining -= clearBytes

		// 没有要解密的内容，跳到下一个 subsample
		if protectedBytes == 0 {
			continue
		}

		ds := cdm.Decrypt(scheme, pattern, blockOffset, info.KeyID, iv,
			payload[src:src+protectedBytes], dest[dst:dst+protectedBytes])
		if ds != DecryptSuccess {
			return mapDecryptStatus(ds)
		}

		switch info.Scheme {
		case SchemeCenc:
			// 每解密一个 AES block 计数器加一，带上上一段残留的 blockOffset，
			// 跨界的 block 只算一次
			incrementIV((blockOffset+protectedBytes)/aesBlockSize, iv)
			blockOffset = (blockOffset + protectedBytes) % aesBlockSize
		case SchemeCens:
			numBlocks := protectedBytes / aesBlockSize
			patternSize := info.CryptByteBlock + info.SkipByteBlock
			var increment uint32
			if patternSize == 0 {
				// (0,0) 的 no-op pattern，退回按整 block 计数
				increment = (blockOffset + protectedBytes) / aesBlockSize
			} else {
				// 只数完整的 crypt 条带；残余 pattern 里凑满一个
				// crypt_byte_block 才算
				increment = (numBlocks / patternSize) * info.CryptByteBlock
				if numBlocks%patternSize >= info.CryptByteBlock {
					increment += info.CryptByteBlock
				}
			}
			incrementIV(increment, iv)
			blockOffset = (blockOffset + protectedBytes) % aesBlockSize
		case SchemeCbc1:
			// cbc1 链式，IV 取本段密文（输入）的最后一个 block
			if protectedBytes < aesBlockSize || protectedBytes%aesBlockSize != 0 {
				log.Printf("[ERROR] cbc1 要求 subsample 密文为 16 的倍数, 实际 %d", protectedBytes)
				return InvalidContainerData
			}
			setIVToLastBlock(payload[src:src+protectedBytes], iv)
		case SchemeCbcs:
			// cbcs 常量 IV，什么都不做
		}

		src += protectedBytes
		dst += protectedBytes
		remaining -= protectedBytes
	}

	if remaining != 0 {
		log.Printf("[ERROR] subsample 表走完后还剩 %d 字节", remaining)
		return InvalidContainerData
	}
	return Success
}
