package cenc

import "log"

// side data 类型，目前只关心加密信息
type SideDataType int

const (
	SideDataEncryptionInfo SideDataType = iota + 1
)

type SideData struct {
	Type SideDataType
	Data []byte
}

// Packet 是解复用出来的一帧压缩数据，payload 归 Packet 所有
type Packet struct {
	Data     []byte
	SideData []SideData
	Pts      int64
	Dts      int64
	Duration int64
	KeyFrame bool
}

// 找指定类型的 side data，没有返回 nil
func (p *Packet) GetSideData(t SideDataType) []byte {
	for i := range p.SideData {
		if p.SideData[i].Type == t {
			return p.SideData[i].Data
		}
	}
	return nil
}

// EncodedFrame 持有 Packet 的所有权，时间戳换算成秒
type EncodedFrame struct {
	packet          Packet
	StreamID        int
	TimestampOffset float64
	Pts             float64
	Dts             float64
	Duration        float64
	IsKeyFrame      bool
}

// MakeFrame 从 Packet 构造帧，move 语义：pkt 被搬空，调用方不能再用
func MakeFrame(pkt *Packet, timebase float64, streamID int, timestampOffset float64) *EncodedFrame {
	frame := &EncodedFrame{
		StreamID:        streamID,
		TimestampOffset: timestampOffset,
		Pts:             float64(pkt.Pts)*timebase + timestampOffset,
		Dts:             float64(pkt.Dts)*timebase + timestampOffset,
		Duration:        float64(pkt.Duration) * timebase,
		IsKeyFrame:      pkt.KeyFrame,
	}
	frame.packet = *pkt
	*pkt = Packet{}
	return frame
}

// Close 释放底层 packet 缓冲
func (f *EncodedFrame) Close() {
	f.packet = Packet{}
}

func (f *EncodedFrame) Payload() []byte {
	return f.packet.Data
}

func (f *EncodedFrame) IsEncrypted() bool {
	return len(f.packet.GetSideData(SideDataEncryptionInfo)) > 0
}

// EstimateSize 给外部内存预算用，payload 加所有 side data
func (f *EncodedFrame) EstimateSize() int {
	size := len(f.packet.Data)
	for i := range f.packet.SideData {
		size += len(f.packet.SideData[i].Data)
	}
	return size
}

// Decrypt 把帧解密到 dest，dest 长度不能小于 payload。
// 出错时 dest 内容未定义，调用方不能使用。
func (f *EncodedFrame) Decrypt(cdm CDM, dest []byte) Status {
	sideData := f.packet.GetSideData(SideDataEncryptionInfo)
	if sideData == nil {
		log.Printf("[ERROR] packet 没有加密 side data")
		return UnknownError
	}

	info, st := DecodeEncryptionInfo(sideData)
	if st != Success {
		log.Printf("[ERROR] 解析加密 side data 失败: %s", st)
		return st
	}

	var scheme EncryptionScheme
	switch info.Scheme {
	case SchemeCenc:
		if info.CryptByteBlock != 0 || info.SkipByteBlock != 0 {
			log.Printf("[ERROR] cenc 方案不允许 pattern")
			return InvalidContainerData
		}
		scheme = AesCtr
	case SchemeCens:
		scheme = AesCtr
	case SchemeCbc1:
		if info.CryptByteBlock != 0 || info.SkipByteBlock != 0 {
			log.Printf("[ERROR] cbc1 方案不允许 pattern")
			return InvalidContainerData
		}
		scheme = AesCbc
	case SchemeCbcs:
		scheme = AesCbc
	default:
		log.Printf("[ERROR] 不支持的保护方案 0x%08x", info.Scheme)
		return NotSupported
	}

	payload := f.packet.Data
	if len(info.Subsamples) == 0 {
		// 整包加密，一次 CDM 调用，之后没有后续也就不更新 IV
		var iv16 [16]byte
		iv := padIV(info.IV, &iv16)
		ds := cdm.Decrypt(scheme, EncryptionPattern{info.CryptByteBlock, info.SkipByteBlock},
			0, info.KeyID, iv, payload, dest[:len(payload)])
		return mapDecryptStatus(ds)
	}

	return walkSubsamples(cdm, info, scheme, payload, dest)
}
