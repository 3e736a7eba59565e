package cenc

import "encoding/binary"

// 四种 CENC 保护方案的盒子标签（大端 fourcc）
const (
	SchemeCenc uint32 = 0x63656e63 // 'cenc' AES-CTR 无 pattern
	SchemeCens uint32 = 0x63656e73 // 'cens' AES-CTR 带 pattern
	SchemeCbc1 uint32 = 0x63626331 // 'cbc1' AES-CBC 无 pattern
	SchemeCbcs uint32 = 0x63626373 // 'cbcs' AES-CBC 带 pattern
)

// CDM 看到的加密模式
type EncryptionScheme int

const (
	AesCtr EncryptionScheme = iota
	AesCbc
)

func (s EncryptionScheme) String() string {
	if s == AesCbc {
		return "AesCbc"
	}
	return "AesCtr"
}

// 1:9 之类的 pattern，(0,0) 表示没有 pattern
type EncryptionPattern struct {
	CryptByteBlock uint32
	SkipByteBlock  uint32
}

type SubsampleEntry struct {
	BytesOfClearData     uint32
	BytesOfProtectedData uint32
}

// 从 side data 解出来的加密信息
type EncryptionInfo struct {
	Scheme         uint32
	CryptByteBlock uint32
	SkipByteBlock  uint32
	KeyID          []byte
	IV             []byte
	Subsamples     []SubsampleEntry
}

// side data 布局（全部大端 u32）：
// scheme | crypt | skip | kid_size | iv_size | subsample_count |
// kid | iv | (clear,protected)*count
const infoHeaderSize = 24

// 单帧的 subsample 数量上限，超过按分配失败处理
const maxSubsampleCount = 1 << 20

// DecodeEncryptionInfo 解析 side data。
// 数据截断或长度不一致返回 UnknownError，声明的表大到装不下返回 OutOfMemory。
func DecodeEncryptionInfo(data []byte) (*EncryptionInfo, Status) {
	if len(data) < infoHeaderSize {
		return nil, UnknownError
	}
	info := &EncryptionInfo{
		Scheme:         binary.BigEndian.Uint32(data[0:4]),
		CryptByteBlock: binary.BigEndian.Uint32(data[4:8]),
		SkipByteBlock:  binary.BigEndian.Uint32(data[8:12]),
	}
	kidSize := binary.BigEndian.Uint32(data[12:16])
	ivSize := binary.BigEndian.Uint32(data[16:20])
	count := binary.BigEndian.Uint32(data[20:24])
	if count > maxSubsampleCount {
		return nil, OutOfMemory
	}

	need := uint64(infoHeaderSize) + uint64(kidSize) + uint64(ivSize) + uint64(count)*8
	if uint64(len(data)) < need {
		return nil, UnknownError
	}

	pos := uint32(infoHeaderSize)
	info.KeyID = make([]byte, kidSize)
	copy(info.KeyID, data[pos:pos+kidSize])
	pos += kidSize
	info.IV = make([]byte, ivSize)
	copy(info.IV, data[pos:pos+ivSize])
	pos += ivSize

	if count > 0 {
		info.Subsamples = make([]SubsampleEntry, count)
		for i := range info.Subsamples {
			info.Subsamples[i].BytesOfClearData = binary.BigEndian.Uint32(data[pos : pos+4])
			info.Subsamples[i].BytesOfProtectedData = binary.BigEndian.Uint32(data[pos+4 : pos+8])
			pos += 8
		}
	}
	return info, Success
}

// EncodeEncryptionInfo 按同样布局序列化，给 Packet Source 用
func EncodeEncryptionInfo(info *EncryptionInfo) []byte {
	size := infoHeaderSize + len(info.KeyID) + len(info.IV) + len(info.Subsamples)*8
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], info.Scheme)
	binary.BigEndian.PutUint32(out[4:8], info.CryptByteBlock)
	binary.BigEndian.PutUint32(out[8:12], info.SkipByteBlock)
	binary.BigEndian.PutUint32(out[12:16], uint32(len(info.KeyID)))
	binary.BigEndian.PutUint32(out[16:20], uint32(len(info.IV)))
	binary.BigEndian.PutUint32(out[20:24], uint32(len(info.Subsamples)))
	pos := infoHeaderSize
	pos += copy(out[pos:], info.KeyID)
	pos += copy(out[pos:], info.IV)
	for i := range info.Subsamples {
		binary.BigEndian.PutUint32(out[pos:pos+4], info.Subsamples[i].BytesOfClearData)
		binary.BigEndian.PutUint32(out[pos+4:pos+8], info.Subsamples[i].BytesOfProtectedData)
		pos += 8
	}
	return out
}
