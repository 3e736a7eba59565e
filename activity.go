package main

import (
	"strings"
	"sync"
	"time"
)

type ClientInfo struct {
	LastSegment string    `json:"last_segment"`
	LastSeen    time.Time `json:"last_seen"`
}

// 一路流的解密活动：谁在看、出了多少明文、正在用哪个 KID
type StreamActivity struct {
	Clients        map[string]ClientInfo `json:"clients"`
	SegmentsServed uint64                `json:"segments_served"`
	CacheHits      uint64                `json:"cache_hits"`
	BytesOut       int64                 `json:"bytes_out"`
	LastKID        string                `json:"last_kid,omitempty"`
}

// ActivityTracker 按流聚合解密活动，/visits 接口用
type ActivityTracker struct {
	mu      sync.Mutex
	streams map[string]*StreamActivity
	maxIdle time.Duration
}

func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		streams: make(map[string]*StreamActivity),
		maxIdle: 30 * time.Second,
	}
}

// 调用方必须持有 mu
func (a *ActivityTracker) stream(tvgID string) *StreamActivity {
	s := a.streams[tvgID]
	if s == nil {
		s = &StreamActivity{Clients: make(map[string]ClientInfo)}
		a.streams[tvgID] = s
	}
	return s
}

// RecordServe 每出一个分片记一笔
func (a *ActivityTracker) RecordServe(tvgID, ip, segment string, size int, cacheHit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stream(tvgID)
	s.Clients[ip] = ClientInfo{LastSegment: segment, LastSeen: time.Now()}
	s.SegmentsServed++
	s.BytesOut += int64(size)
	if cacheHit {
		s.CacheHits++
	}
}

// RecordKIDs 解密 init 时记下这路流在用的 default KID
func (a *ActivityTracker) RecordKIDs(tvgID string, kids []string) {
	if len(kids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stream(tvgID).LastKID = strings.Join(kids, ",")
}

// Snapshot 返回一路流的活动快照，顺手淘汰掉停止拉流的客户端
func (a *ActivityTracker) Snapshot(tvgID string) StreamActivity {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.streams[tvgID]
	if !ok {
		return StreamActivity{Clients: map[string]ClientInfo{}}
	}

	now := time.Now()
	clients := make(map[string]ClientInfo, len(s.Clients))
	for ip, c := range s.Clients {
		if now.Sub(c.LastSeen) > a.maxIdle {
			delete(s.Clients, ip)
			continue
		}
		clients[ip] = c
	}
	return StreamActivity{
		Clients:        clients,
		SegmentsServed: s.SegmentsServed,
		CacheHits:      s.CacheHits,
		BytesOut:       s.BytesOut,
		LastKID:        s.LastKID,
	}
}
