package fmp4

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"

	"cencproxy/cenc"
)

// Demuxer 是 Packet Source：把分段 MP4 的 sample 变成带加密
// side data 的 cenc.Packet。保护参数来自 init segment 的 sinf/tenc。
type Demuxer struct {
	tracks     map[uint32]mp4.DecryptTrackInfo
	timescales map[uint32]uint32
}

// Sample 是一条带轨道号的 packet
type Sample struct {
	TrackID uint32
	Packet  cenc.Packet
}

// NewDemuxer 解析 init segment。DecryptInit 顺带把 init 里的
// 保护盒子清掉，proxy 可以直接把清理后的 init 发给客户端。
func NewDemuxer(init *mp4.InitSegment) (*Demuxer, error) {
	if init == nil || init.Moov == nil {
		return nil, fmt.Errorf("init segment 缺少 moov")
	}
	d := &Demuxer{
		tracks:     make(map[uint32]mp4.DecryptTrackInfo),
		timescales: make(map[uint32]uint32),
	}
	for _, trak := range init.Moov.Traks {
		if trak.Tkhd != nil && trak.Mdia != nil && trak.Mdia.Mdhd != nil {
			d.timescales[trak.Tkhd.TrackID] = trak.Mdia.Mdhd.Timescale
		}
	}
	if hasEncryptedTrack(init) {
		di, err := mp4.DecryptInit(init)
		if err != nil {
			return nil, fmt.Errorf("解析 init 保护信息失败: %w", err)
		}
		for _, ti := range di.TrackInfos {
			d.tracks[ti.TrackID] = ti
		}
	}
	return d, nil
}

func hasEncryptedTrack(init *mp4.InitSegment) bool {
	for _, trak := range init.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil ||
			trak.Mdia.Minf.Stbl.Stsd == nil {
			continue
		}
		stsd := trak.Mdia.Minf.Stbl.Stsd
		if stsd.Encv != nil || stsd.Enca != nil {
			return true
		}
	}
	return false
}

func (d *Demuxer) Timescale(trackID uint32) uint32 {
	return d.timescales[trackID]
}

// DefaultKIDs 返回各加密轨道的 default KID（十六进制，排好序）
func (d *Demuxer) DefaultKIDs() []string {
	var kids []string
	for _, ti := range d.tracks {
		if ti.Sinf != nil && ti.Sinf.Schi != nil && ti.Sinf.Schi.Tenc != nil {
			kids = append(kids, hex.EncodeToString(ti.Sinf.Schi.Tenc.DefaultKID[:]))
		}
	}
	sort.Strings(kids)
	return kids
}

// Timebase 换算成秒的系数
func (d *Demuxer) Timebase(trackID uint32) float64 {
	ts := d.timescales[trackID]
	if ts == 0 {
		return 0
	}
	return 1.0 / float64(ts)
}

// 把 schm 的四字符方案名转成大端 fourcc
func schemeTag(schemeType string) uint32 {
	if len(schemeType) != 4 {
		return 0
	}
	return uint32(schemeType[0])<<24 | uint32(schemeType[1])<<16 |
		uint32(schemeType[2])<<8 | uint32(schemeType[3])
}

// DemuxFragment 走 trun 表切出每个 sample。加密轨道的 packet 带上
// 从 senc/tenc 拼出来的加密 side data；payload 直接引用 mdat。
func (d *Demuxer) DemuxFragment(frag *mp4.Fragment) ([]Sample, error) {
	if frag == nil || frag.Moof == nil {
		return nil, fmt.Errorf("fragment 缺少 moof")
	}
	if frag.Mdat == nil {
		return nil, fmt.Errorf("fragment 缺少 mdat")
	}
	mdata := frag.Mdat.Data

	var out []Sample
	for _, traf := range frag.Moof.Trafs {
		if traf.Tfhd == nil || traf.Trun == nil {
			return nil, fmt.Errorf("traf 缺少 tfhd 或 trun")
		}
		trackID := traf.Tfhd.TrackID
		ti := d.tracks[trackID]

		var senc *mp4.SencBox
		var tenc *mp4.TencBox
		var tag uint32
		if ti.Sinf != nil && ti.Sinf.Schi != nil && ti.Sinf.Schi.Tenc != nil {
			tenc = ti.Sinf.Schi.Tenc
			if ti.Sinf.Schm != nil {
				tag = schemeTag(ti.Sinf.Schm.SchemeType)
			}
			hasSenc, parsed := traf.ContainsSencBox()
			if hasSenc {
				if traf.Senc != nil {
					senc = traf.Senc
				} else if traf.UUIDSenc != nil {
					senc = traf.UUIDSenc.Senc
				}
				if !parsed && senc != nil {
					if err := senc.ParseReadBox(tenc.DefaultPerSampleIVSize, traf.Saiz); err != nil {
						return nil, fmt.Errorf("解析 senc 失败: %w", err)
					}
				}
			}
		}

		decodeTime := uint64(0)
		if traf.Tfdt != nil {
			decodeTime = traf.Tfdt.BaseMediaDecodeTime()
		}

		// 和 sample 一一对应的 mdat 内偏移
		offset := uint32(0)
		for i, s := range traf.Trun.Samples {
			size := s.Size
			if size == 0 {
				size = traf.Tfhd.DefaultSampleSize
			}
			dur := s.Dur
			if dur == 0 {
				dur = traf.Tfhd.DefaultSampleDuration
			}
			if uint32(len(mdata)) < offset || uint32(len(mdata))-offset < size {
				return nil, fmt.Errorf("sample %d 超出 mdat 范围", i)
			}

			pkt := cenc.Packet{
				Data:     mdata[offset : offset+size],
				Dts:      int64(decodeTime),
				Pts:      int64(decodeTime) + int64(s.CompositionTimeOffset),
				Duration: int64(dur),
				KeyFrame: s.Flags&0x00010000 == 0,
			}

			if tenc != nil && tenc.DefaultIsProtected != 0 {
				info := &cenc.EncryptionInfo{
					Scheme:         tag,
					CryptByteBlock: uint32(tenc.DefaultCryptByteBlock),
					SkipByteBlock:  uint32(tenc.DefaultSkipByteBlock),
					KeyID:          append([]byte(nil), tenc.DefaultKID[:]...),
				}
				if senc != nil && i < len(senc.IVs) && len(senc.IVs[i]) > 0 {
					info.IV = senc.IVs[i]
				} else {
					info.IV = tenc.DefaultConstantIV
				}
				if senc != nil && i < len(senc.SubSamples) {
					for _, sub := range senc.SubSamples[i] {
						info.Subsamples = append(info.Subsamples, cenc.SubsampleEntry{
							BytesOfClearData:     uint32(sub.BytesOfClearData),
							BytesOfProtectedData: sub.BytesOfProtectedData,
						})
					}
				}
				pkt.SideData = []cenc.SideData{{
					Type: cenc.SideDataEncryptionInfo,
					Data: cenc.EncodeEncryptionInfo(info),
				}}
			}

			out = append(out, Sample{TrackID: trackID, Packet: pkt})
			offset += size
			decodeTime += uint64(dur)
		}
	}
	return out, nil
}

// DecryptFragment 把 fragment 里所有加密 sample 解密回 mdat，
// 然后清掉保护盒子。任何一个 sample 失败整个 fragment 失败。
func (d *Demuxer) DecryptFragment(frag *mp4.Fragment, cdm cenc.CDM) error {
	samples, err := d.DemuxFragment(frag)
	if err != nil {
		return err
	}
	for i := range samples {
		pkt := &samples[i].Packet
		if pkt.GetSideData(cenc.SideDataEncryptionInfo) == nil {
			continue
		}
		frame := cenc.MakeFrame(pkt, d.Timebase(samples[i].TrackID), int(samples[i].TrackID), 0)
		dest := make([]byte, len(frame.Payload()))
		if st := frame.Decrypt(cdm, dest); st != cenc.Success {
			frame.Close()
			return fmt.Errorf("sample %d 解密失败: %s", i, st)
		}
		// payload 是 mdat 的切片，直接写回
		copy(frame.Payload(), dest)
		frame.Close()
	}
	StripFragment(frag)
	return nil
}

// StripInitPssh 去掉 init 里 moov 下的 pssh。
// sinf 由 DecryptInit 顺带清理，这里只管 pssh。
func StripInitPssh(init *mp4.InitSegment) {
	if init == nil || init.Moov == nil {
		return
	}
	var newBoxes []mp4.Box
	for _, box := range init.Moov.Children {
		if box.Type() != "pssh" {
			newBoxes = append(newBoxes, box)
		}
	}
	init.Moov.Children = newBoxes
}

// StripFragment 去掉 senc/saiz/saio/sbgp/sgpd 和 pssh，
// 修正 trun 的 data offset，并把首 sample 的 non-sync 标记清掉
func StripFragment(frag *mp4.Fragment) {
	var bytesRemoved uint64
	for _, traf := range frag.Moof.Trafs {
		if traf.Trun != nil {
			if flags, ok := traf.Trun.FirstSampleFlags(); ok {
				traf.Trun.SetFirstSampleFlags(flags &^ 0x00010000)
			}
		}
		bytesRemoved += traf.RemoveEncryptionBoxes()
	}
	_, psshBytes := frag.Moof.RemovePsshs()
	bytesRemoved += psshBytes
	for _, traf := range frag.Moof.Trafs {
		for _, trun := range traf.Truns {
			trun.DataOffset -= int32(bytesRemoved)
		}
	}
}
