package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"

	"cencproxy/clearkey"
	"cencproxy/fmp4"
)

// Engine 持有所有运行期状态，不用包级全局变量，
// 处理函数都挂在它上面
type Engine struct {
	cfg       *Config
	streams   map[string]*StreamConfig
	client    *fasthttp.Client
	cdm       *clearkey.CDM
	segCache  *SegmentCache
	redirects *cache.Cache
	activity  *ActivityTracker
	group     *FetchGroup

	mu       sync.RWMutex
	demuxers map[string]*fmp4.Demuxer
}

func NewEngine(cfg *Config) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		streams:   make(map[string]*StreamConfig),
		client:    &fasthttp.Client{},
		cdm:       clearkey.New(),
		segCache:  NewSegmentCache(cfg.CacheDir, *cfg.MemTTL, *cfg.FileTTL),
		redirects: cache.New(1*time.Hour, 10*time.Minute),
		activity:  NewActivityTracker(),
		group:     NewFetchGroup(),
		demuxers:  make(map[string]*fmp4.Demuxer),
	}
	for _, sc := range cfg.Streams {
		if _, ok := e.streams[sc.TvgID]; ok {
			return nil, fmt.Errorf("tvg_id 重复: %s", sc.TvgID)
		}
		if err := loadStreamKeys(sc, e.cdm); err != nil {
			return nil, fmt.Errorf("加载 %s 密钥失败: %w", sc.TvgID, err)
		}
		e.streams[sc.TvgID] = sc
	}
	return e, nil
}

func (e *Engine) Close() {
	e.segCache.Close()
}

func (e *Engine) setDemuxer(tvgID string, d *fmp4.Demuxer) {
	e.mu.Lock()
	e.demuxers[tvgID] = d
	e.mu.Unlock()
}

func (e *Engine) demuxer(tvgID string) *fmp4.Demuxer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.demuxers[tvgID]
}

func (e *Engine) HandleRequest(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case strings.HasPrefix(path, "/seg/"):
		e.handleSegment(ctx)
	case path == "/cache/stats":
		e.handleCacheStats(ctx)
	case path == "/visits":
		e.handleVisits(ctx)
	case path == "/protection":
		e.handleProtection(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// /seg/<tvgID>/<上游路径>：拉上游分片，解密后返回明文 fMP4
func (e *Engine) handleSegment(ctx *fasthttp.RequestCtx) {
	rest := strings.TrimPrefix(string(ctx.Path()), "/seg/")
	slash := strings.Index(rest, "/")
	if slash <= 0 {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	tvgID := rest[:slash]
	segPath := rest[slash+1:]

	sc, ok := e.streams[tvgID]
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("未知的流")
		return
	}

	upstreamURL := strings.TrimSuffix(sc.Upstream, "/") + "/" + segPath
	if qs := ctx.QueryArgs().String(); qs != "" {
		upstreamURL += "?" + qs
	}

	if seg := e.segCache.Fetch(tvgID, segPath); seg != nil {
		serveSegment(ctx, seg)
		e.activity.RecordServe(tvgID, clientIP(ctx), segPath, len(seg.Data), true)
		return
	}

	// 同一分片的并发请求只打一次上游
	e.group.Do(tvgID+"/"+segPath, func() {
		start := time.Now()
		status, body, contentType, _, err := HttpGetWithUA(e.client, e.redirects,
			upstreamURL, sc.Headers, *sc.HttpTimeout)
		if err != nil {
			log.Printf("[ERROR] 拉取上游失败 %s, status=%d, %v", upstreamURL, status, err)
			return
		}
		seg, err := e.decryptBody(tvgID, body, contentType)
		if err != nil {
			log.Printf("[ERROR] 解密分片失败 %s, %v", segPath, err)
			return
		}
		e.segCache.Put(tvgID, segPath, seg)
		log.Printf("分片 %s 解密完成, %s, 耗时 %s", segPath,
			formatSize(int64(len(seg.Data))), time.Since(start))
	})

	if seg := e.segCache.Fetch(tvgID, segPath); seg != nil {
		serveSegment(ctx, seg)
		e.activity.RecordServe(tvgID, clientIP(ctx), segPath, len(seg.Data), false)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetBodyString("DRM 解密失败")
}

func serveSegment(ctx *fasthttp.RequestCtx, seg *Segment) {
	contentType := seg.ContentType
	if contentType == "" {
		contentType = "video/iso.segment"
	}
	ctx.SetContentType(contentType)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(seg.Data)
}

// decryptBody 解析分片并就地解密。带 init 的先建好 Demuxer，
// 纯媒体分片复用上一次 init 的保护参数。
func (e *Engine) decryptBody(tvgID string, body []byte, contentType string) (*Segment, error) {
	mp4File, err := mp4.DecodeFile(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("解析 MP4 文件失败: %w", err)
	}

	kind := MediaSegment
	if mp4File.Init != nil {
		d, err := fmp4.NewDemuxer(mp4File.Init)
		if err != nil {
			return nil, err
		}
		fmp4.StripInitPssh(mp4File.Init)
		e.setDemuxer(tvgID, d)
		e.activity.RecordKIDs(tvgID, d.DefaultKIDs())
		// 纯 init 文件才按 init 缓存，带媒体数据的整文件按媒体算
		if len(mp4File.Segments) == 0 {
			kind = InitSegment
		}
	}

	d := e.demuxer(tvgID)
	if d == nil {
		return nil, fmt.Errorf("还没有收到 init segment")
	}

	for _, seg := range mp4File.Segments {
		for _, frag := range seg.Fragments {
			if err := d.DecryptFragment(frag, e.cdm); err != nil {
				return nil, err
			}
		}
	}

	out, err := encodeMP4ToBytes(mp4File)
	if err != nil {
		return nil, err
	}
	return &Segment{Data: out, ContentType: contentType, Kind: kind}, nil
}

func encodeMP4ToBytes(mp4File *mp4.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := mp4File.Encode(&buf); err != nil {
		return nil, fmt.Errorf("写入 MP4 文件失败: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) handleCacheStats(ctx *fasthttp.RequestCtx) {
	data, _ := json.MarshalIndent(e.segCache.Report(), "", "  ")
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(data)
}

func (e *Engine) handleVisits(ctx *fasthttp.RequestCtx) {
	tvgID := string(ctx.QueryArgs().Peek("tvgId"))
	data, _ := json.MarshalIndent(e.activity.Snapshot(tvgID), "", "  ")
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(data)
}

// /protection?tvgId=x：拉流的 MPD，返回保护方案和 default_KID
func (e *Engine) handleProtection(ctx *fasthttp.RequestCtx) {
	tvgID := string(ctx.QueryArgs().Peek("tvgId"))
	sc, ok := e.streams[tvgID]
	if !ok || sc.Manifest == "" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("未知的流或没有配置 manifest")
		return
	}

	status, body, _, _, err := HttpGetWithUA(e.client, e.redirects,
		sc.Manifest, sc.Headers, *sc.HttpTimeout)
	if err != nil {
		log.Printf("[ERROR] 拉取 MPD 失败 %s, status=%d, %v", sc.Manifest, status, err)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	scheme, protections, err := ParseMpdProtection(body)
	if err != nil {
		log.Printf("[ERROR] 解析 MPD 失败 %s, %v", sc.Manifest, err)
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	data, _ := json.MarshalIndent(map[string]any{
		"scheme":      scheme,
		"protections": protections,
	}, "", "  ")
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(data)
}
