package fmp4

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"cencproxy/cenc"
	"cencproxy/clearkey"
)

var (
	testKey = []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	testKID = mp4.UUID{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
		0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}
)

// 手搭一个带 senc 的 fragment，不走编解码
func makeEncryptedFragment(payload []byte, sizes []uint32,
	ivs [][]byte, subs [][]mp4.SubSamplePattern) *mp4.Fragment {

	samples := make([]mp4.Sample, len(sizes))
	for i, size := range sizes {
		samples[i] = mp4.Sample{Dur: 3000, Size: size}
	}
	tfhd := &mp4.TfhdBox{TrackID: 1}
	trun := &mp4.TrunBox{Samples: samples}
	ivList := make([]mp4.InitializationVector, len(ivs))
	for i, iv := range ivs {
		ivList[i] = mp4.InitializationVector(iv)
	}
	senc := &mp4.SencBox{
		IVs:        ivList,
		SubSamples: subs,
	}
	traf := &mp4.TrafBox{
		Tfhd:     tfhd,
		Trun:     trun,
		Truns:    []*mp4.TrunBox{trun},
		Senc:     senc,
		Children: []mp4.Box{tfhd, trun, senc},
	}
	moof := &mp4.MoofBox{
		Mfhd:     &mp4.MfhdBox{SequenceNumber: 1},
		Trafs:    []*mp4.TrafBox{traf},
		Children: []mp4.Box{},
	}
	moof.Children = append(moof.Children, moof.Mfhd, traf)
	return &mp4.Fragment{
		Moof: moof,
		Mdat: &mp4.MdatBox{Data: payload},
	}
}

func testDemuxer(schemeType string) *Demuxer {
	sinf := &mp4.SinfBox{
		Schm: &mp4.SchmBox{SchemeType: schemeType, SchemeVersion: 0x00010000},
		Schi: &mp4.SchiBox{
			Tenc: &mp4.TencBox{
				DefaultIsProtected:     1,
				DefaultPerSampleIVSize: 8,
				DefaultKID:             testKID,
			},
		},
	}
	return &Demuxer{
		tracks: map[uint32]mp4.DecryptTrackInfo{
			1: {TrackID: 1, Sinf: sinf},
		},
		timescales: map[uint32]uint32{1: 90000},
	}
}

func makePayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*3 + 1)
	}
	return data
}

func TestDemuxFragmentEncrypted(t *testing.T) {
	payload := makePayload(48)
	iv1 := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	iv2 := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	frag := makeEncryptedFragment(payload, []uint32{16, 32},
		[][]byte{iv1, iv2},
		[][]mp4.SubSamplePattern{
			{{BytesOfClearData: 4, BytesOfProtectedData: 12}},
			{{BytesOfClearData: 0, BytesOfProtectedData: 32}},
		})

	d := testDemuxer("cenc")
	samples, err := d.DemuxFragment(frag)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Fatalf("samples = %d", len(samples))
	}

	if !bytes.Equal(samples[0].Packet.Data, payload[0:16]) ||
		!bytes.Equal(samples[1].Packet.Data, payload[16:48]) {
		t.Error("payload 切分不对")
	}
	if samples[0].Packet.Dts != 0 || samples[1].Packet.Dts != 3000 {
		t.Errorf("dts = %d, %d", samples[0].Packet.Dts, samples[1].Packet.Dts)
	}
	if samples[0].Packet.Duration != 3000 {
		t.Errorf("duration = %d", samples[0].Packet.Duration)
	}

	blob := samples[0].Packet.GetSideData(cenc.SideDataEncryptionInfo)
	if blob == nil {
		t.Fatal("没有加密 side data")
	}
	info, st := cenc.DecodeEncryptionInfo(blob)
	if st != cenc.Success {
		t.Fatalf("side data 解码失败: %s", st)
	}
	if info.Scheme != cenc.SchemeCenc {
		t.Errorf("scheme = 0x%08x", info.Scheme)
	}
	if !bytes.Equal(info.KeyID, testKID[:]) {
		t.Errorf("kid = %x", info.KeyID)
	}
	if !bytes.Equal(info.IV, iv1) {
		t.Errorf("iv = %x", info.IV)
	}
	if len(info.Subsamples) != 1 ||
		info.Subsamples[0] != (cenc.SubsampleEntry{BytesOfClearData: 4, BytesOfProtectedData: 12}) {
		t.Errorf("subsamples = %+v", info.Subsamples)
	}

	if d.Timescale(1) != 90000 || d.Timebase(1) != 1.0/90000.0 {
		t.Errorf("timescale = %d", d.Timescale(1))
	}
}

func TestDemuxFragmentClearTrack(t *testing.T) {
	payload := makePayload(32)
	frag := makeEncryptedFragment(payload, []uint32{32}, nil, nil)
	// 轨道不在保护表里，按明文处理
	d := &Demuxer{
		tracks:     map[uint32]mp4.DecryptTrackInfo{},
		timescales: map[uint32]uint32{1: 90000},
	}
	samples, err := d.DemuxFragment(frag)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples = %d", len(samples))
	}
	if samples[0].Packet.GetSideData(cenc.SideDataEncryptionInfo) != nil {
		t.Error("明文轨道不该有加密 side data")
	}
}

func TestDemuxFragmentBadSizes(t *testing.T) {
	// trun 声明的 sample 比 mdat 大
	payload := makePayload(16)
	frag := makeEncryptedFragment(payload, []uint32{32}, nil, nil)
	d := testDemuxer("cenc")
	if _, err := d.DemuxFragment(frag); err == nil {
		t.Error("超出 mdat 范围应报错")
	}
}

func TestSchemeTag(t *testing.T) {
	cases := map[string]uint32{
		"cenc": 0x63656e63,
		"cens": 0x63656e73,
		"cbc1": 0x63626331,
		"cbcs": 0x63626373,
		"x":    0,
		"":     0,
	}
	for s, want := range cases {
		if got := schemeTag(s); got != want {
			t.Errorf("schemeTag(%q) = 0x%08x, 期望 0x%08x", s, got, want)
		}
	}
}

func TestDecryptFragment(t *testing.T) {
	// 两个 sample 各自从自己的 IV 起一条 CTR 密钥流
	plain := makePayload(48)
	payload := bytes.Clone(plain)
	iv1 := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	iv2 := []byte{2, 2, 2, 2, 2, 2, 2, 2}

	block, _ := aes.NewCipher(testKey)
	iv16 := make([]byte, 16)
	copy(iv16, iv1)
	cipher.NewCTR(block, iv16).XORKeyStream(payload[4:16], plain[4:16])
	iv16 = make([]byte, 16)
	copy(iv16, iv2)
	cipher.NewCTR(block, iv16).XORKeyStream(payload[16:48], plain[16:48])

	frag := makeEncryptedFragment(payload, []uint32{16, 32},
		[][]byte{iv1, iv2},
		[][]mp4.SubSamplePattern{
			{{BytesOfClearData: 4, BytesOfProtectedData: 12}},
			{{BytesOfClearData: 0, BytesOfProtectedData: 32}},
		})

	cdm := clearkey.New()
	if err := cdm.AddKey(testKID[:], testKey); err != nil {
		t.Fatal(err)
	}
	d := testDemuxer("cenc")
	if err := d.DecryptFragment(frag, cdm); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frag.Mdat.Data, plain) {
		t.Error("mdat 解密结果不一致")
	}
}

func TestDecryptFragmentKeyNotFound(t *testing.T) {
	payload := makePayload(16)
	frag := makeEncryptedFragment(payload, []uint32{16},
		[][]byte{{1, 1, 1, 1, 1, 1, 1, 1}},
		[][]mp4.SubSamplePattern{{{BytesOfClearData: 0, BytesOfProtectedData: 16}}})
	d := testDemuxer("cenc")
	if err := d.DecryptFragment(frag, clearkey.New()); err == nil {
		t.Error("没有密钥应报错")
	}
}
