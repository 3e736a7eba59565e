package main

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/valyala/fasthttp"
)

const maxRedirects = 5

// 客户端 IP，优先反向代理加的头，RemoteAddr 去掉端口兜底
func clientIP(ctx *fasthttp.RequestCtx) string {
	if ip := ctx.Request.Header.Peek("X-Real-IP"); len(ip) > 0 {
		return string(ip)
	}
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first, _, _ := strings.Cut(string(xff), ",")
		return strings.TrimSpace(first)
	}
	addr := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// 跳转前后是不是同一个分片文件。同名基本是换 CDN 节点，
// 不同名多半是临时签名地址
func sameSegment(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Path == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return path.Base(ua.Path) == path.Base(ub.Path)
}

// Location 可能是相对地址，按 RFC 解析成绝对地址
func resolveRedirect(location, base string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	if u.IsAbs() {
		return location
	}
	b, err := url.Parse(base)
	if err != nil {
		return location
	}
	return b.ResolveReference(u).String()
}

func isRedirect(code int) bool {
	switch code {
	case fasthttp.StatusMovedPermanently, fasthttp.StatusFound,
		fasthttp.StatusSeeOther, fasthttp.StatusTemporaryRedirect,
		fasthttp.StatusPermanentRedirect:
		return true
	}
	return false
}

// HttpGetWithUA 拉上游资源，带自定义头，手动跟 302 并缓存跳转目标，
// 下次直接打到最终地址
func HttpGetWithUA(client *fasthttp.Client, redirects *cache.Cache, startURL string,
	headers []string, timeoutSec int) (statusCode int, body []byte, contentType string, finalURL string, err error) {

	currentURL := startURL
	if v, ok := redirects.Get(startURL); ok {
		currentURL = v.(string)
		log.Printf("使用缓存的302地址：%s", currentURL)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	timeout := time.Duration(timeoutSec) * time.Second
	for i := 0; ; i++ {
		req.Reset()
		req.SetRequestURI(currentURL)
		req.Header.SetMethod(fasthttp.MethodGet)
		for _, head := range headers {
			kv := strings.SplitN(head, ":", 2)
			if len(kv) == 2 {
				req.Header.Set(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1]))
			}
		}

		if err = client.DoTimeout(req, resp, timeout); err != nil {
			redirects.Delete(startURL)
			return fasthttp.StatusServiceUnavailable, nil, "", startURL, err
		}

		if isRedirect(resp.StatusCode()) {
			if i >= maxRedirects {
				redirects.Delete(startURL)
				return resp.StatusCode(), nil, "", currentURL, fmt.Errorf("重定向次数过多: %s", startURL)
			}
			loc := string(resp.Header.Peek("Location"))
			if loc == "" {
				return resp.StatusCode(), nil, "", currentURL, fmt.Errorf("302 没有 Location")
			}
			currentURL = resolveRedirect(loc, currentURL)
			continue
		}
		break
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		redirects.Delete(startURL)
		return resp.StatusCode(), nil, "", currentURL,
			fmt.Errorf("http get failed, status %d", resp.StatusCode())
	}

	if startURL != currentURL {
		// 同名文件的跳转多半是换 CDN 节点，缓存久一点
		if sameSegment(startURL, currentURL) {
			redirects.Set(startURL, currentURL, 1*time.Hour)
		} else {
			redirects.Set(startURL, currentURL, 1*time.Minute)
		}
	}

	body = append([]byte(nil), resp.Body()...)
	contentType = string(resp.Header.ContentType())
	return resp.StatusCode(), body, contentType, currentURL, nil
}
