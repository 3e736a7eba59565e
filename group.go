package main

import "sync"

// FetchGroup 合并同一个 key 的并发拉取：
// 第一个调用真正执行，后来的等它完成再走缓存
type FetchGroup struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

func NewFetchGroup() *FetchGroup {
	return &FetchGroup{inFlight: make(map[string]chan struct{})}
}

// Do 执行 fetch，返回 true 表示本次是真正执行的那一个
func (g *FetchGroup) Do(key string, fetch func()) bool {
	g.mu.Lock()
	if ch, ok := g.inFlight[key]; ok {
		g.mu.Unlock()
		<-ch
		return false
	}
	ch := make(chan struct{})
	g.inFlight[key] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, key)
		g.mu.Unlock()
		close(ch)
	}()
	fetch()
	return true
}
