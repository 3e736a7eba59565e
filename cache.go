package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// 分片种类。init 被同一路流后续所有媒体分片依赖，缓存策略不同
type SegmentKind int

const (
	MediaSegment SegmentKind = iota
	InitSegment
)

// 解密后的明文分片
type Segment struct {
	Data        []byte
	ContentType string
	Kind        SegmentKind
}

// 落盘文件的 magic，防止把别的文件当分片读回来
var segMagic = []byte("CPSG")

// SegmentCache 缓存解密后的分片，按流分桶。
// 媒体分片走短 TTL，init 分片常驻内存；fileTTL >= 0 时
// 异步落盘到 <dir>/<tvgID>/，重启后直接复用。
type SegmentCache struct {
	mem     *cache.Cache
	dir     string
	fileTTL time.Duration
	persist bool

	mu      sync.Mutex
	pending map[string]*Segment // 路径 -> 待落盘分片
	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewSegmentCache(dir string, memTTLSec, fileTTLSec int) *SegmentCache {
	memTTL := time.Duration(memTTLSec) * time.Second
	sc := &SegmentCache{
		mem:     cache.New(memTTL, 2*memTTL),
		dir:     dir,
		fileTTL: time.Duration(fileTTLSec) * time.Second,
		persist: fileTTLSec >= 0,
		pending: make(map[string]*Segment),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if sc.persist {
		os.MkdirAll(dir, 0755)
		sc.wg.Add(1)
		go sc.flushLoop()
	}
	return sc
}

func memKey(tvgID, segPath string) string { return tvgID + "|" + segPath }

// 落盘路径：<dir>/<tvgID>/<fnv(segPath)>-<文件名>，
// hash 保证不同目录的同名分片不互相覆盖
func (sc *SegmentCache) segmentFile(tvgID, segPath string) string {
	h := fnv.New32a()
	h.Write([]byte(segPath))
	name := segPath
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	return filepath.Join(sc.dir, tvgID, fmt.Sprintf("%08x-%s", h.Sum32(), name))
}

func (sc *SegmentCache) Put(tvgID, segPath string, seg *Segment) {
	if seg.Kind == InitSegment {
		// init 不设过期，媒体分片都要靠它
		sc.mem.Set(memKey(tvgID, segPath), seg, cache.NoExpiration)
	} else {
		sc.mem.Set(memKey(tvgID, segPath), seg, cache.DefaultExpiration)
	}

	if !sc.persist {
		return
	}
	sc.mu.Lock()
	sc.pending[sc.segmentFile(tvgID, segPath)] = seg
	sc.mu.Unlock()
	select {
	case sc.kick <- struct{}{}:
	default:
	}
}

// Fetch 取分片，内存不中再读盘并回填内存
func (sc *SegmentCache) Fetch(tvgID, segPath string) *Segment {
	if v, ok := sc.mem.Get(memKey(tvgID, segPath)); ok {
		return v.(*Segment)
	}
	if !sc.persist {
		return nil
	}
	seg := sc.readSegmentFile(sc.segmentFile(tvgID, segPath))
	if seg != nil {
		exp := cache.DefaultExpiration
		if seg.Kind == InitSegment {
			exp = cache.NoExpiration
		}
		sc.mem.Set(memKey(tvgID, segPath), seg, exp)
	}
	return seg
}

// flushLoop 批量落盘，定时顺带清理过期文件
func (sc *SegmentCache) flushLoop() {
	defer sc.wg.Done()
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-sc.kick:
			sc.flush()
		case <-sweep.C:
			sc.sweepExpired()
		case <-sc.done:
			sc.flush()
			return
		}
	}
}

func (sc *SegmentCache) flush() {
	sc.mu.Lock()
	batch := sc.pending
	sc.pending = make(map[string]*Segment)
	sc.mu.Unlock()

	for path, seg := range batch {
		if err := writeSegmentFile(path, seg); err != nil {
			log.Printf("[ERROR] 分片落盘失败 %s, %v", path, err)
		}
	}
}

// 文件格式：CPSG + kind(1) + ctype 长度(2, 大端) + ctype + 数据，
// 先写临时文件再 rename
func writeSegmentFile(path string, seg *Segment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	buf := make([]byte, 0, len(segMagic)+3+len(seg.ContentType)+len(seg.Data))
	buf = append(buf, segMagic...)
	buf = append(buf, byte(seg.Kind))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(seg.ContentType)))
	buf = append(buf, seg.ContentType...)
	buf = append(buf, seg.Data...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (sc *SegmentCache) readSegmentFile(path string) *Segment {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if sc.fileTTL > 0 && time.Since(info.ModTime()) > sc.fileTTL {
		os.Remove(path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) < len(segMagic)+3 || !bytes.HasPrefix(data, segMagic) {
		return nil
	}
	pos := len(segMagic)
	kind := SegmentKind(data[pos])
	pos++
	ctypeLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data) < pos+ctypeLen {
		return nil
	}
	return &Segment{
		Kind:        kind,
		ContentType: string(data[pos : pos+ctypeLen]),
		Data:        data[pos+ctypeLen:],
	}
}

// sweepExpired 扫每路流的目录，删过期文件
func (sc *SegmentCache) sweepExpired() {
	if sc.fileTTL <= 0 {
		return
	}
	streams, _ := os.ReadDir(sc.dir)
	now := time.Now()
	for _, st := range streams {
		if !st.IsDir() {
			continue
		}
		streamDir := filepath.Join(sc.dir, st.Name())
		files, _ := os.ReadDir(streamDir)
		for _, f := range files {
			if info, err := f.Info(); err == nil && now.Sub(info.ModTime()) > sc.fileTTL {
				os.Remove(filepath.Join(streamDir, f.Name()))
			}
		}
	}
}

func (sc *SegmentCache) Close() {
	sc.once.Do(func() { close(sc.done) })
	sc.wg.Wait()
}

type CacheSummary struct {
	Count          int    `json:"count"`
	TotalSize      string `json:"total_size"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

type StreamCacheReport struct {
	Memory CacheSummary `json:"memory"`
	File   CacheSummary `json:"file"`
}

func formatSize(size int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	if size >= mb {
		return fmt.Sprintf("%.2f MB", float64(size)/float64(mb))
	} else if size >= kb {
		return fmt.Sprintf("%.2f KB", float64(size)/float64(kb))
	}
	return fmt.Sprintf("%d B", size)
}

// Report 按流汇总两层缓存的数量和体积
func (sc *SegmentCache) Report() map[string]StreamCacheReport {
	report := make(map[string]StreamCacheReport)

	for key, item := range sc.mem.Items() {
		tvgID, _, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		r := report[tvgID]
		r.Memory.Count++
		r.Memory.TotalSizeBytes += int64(len(item.Object.(*Segment).Data))
		report[tvgID] = r
	}

	if sc.persist {
		streams, _ := os.ReadDir(sc.dir)
		for _, st := range streams {
			if !st.IsDir() {
				continue
			}
			r := report[st.Name()]
			files, _ := os.ReadDir(filepath.Join(sc.dir, st.Name()))
			for _, f := range files {
				if info, err := f.Info(); err == nil {
					r.File.Count++
					r.File.TotalSizeBytes += info.Size()
				}
			}
			report[st.Name()] = r
		}
	}

	for id, r := range report {
		r.Memory.TotalSize = formatSize(r.Memory.TotalSizeBytes)
		r.File.TotalSize = formatSize(r.File.TotalSizeBytes)
		report[id] = r
	}
	return report
}
