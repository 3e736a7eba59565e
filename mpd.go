package main

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const mp4ProtectionScheme = "urn:mpeg:dash:mp4protection:2011"

// MPD 里声明的保护信息，给诊断接口用
type ContentProtection struct {
	AdaptationSet string `json:"adaptation_set"`
	ContentType   string `json:"content_type,omitempty"`
	SchemeIDURI   string `json:"scheme_id_uri"`
	Value         string `json:"value,omitempty"`
	DefaultKID    string `json:"default_kid,omitempty"`
}

// ParseMpdProtection 从 DASH MPD 里抠出保护方案和 default_KID。
// scheme 取 mp4protection 那条的 value（cenc/cbcs 等）。
func ParseMpdProtection(body []byte) (string, []ContentProtection, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", nil, fmt.Errorf("解析 MPD 失败: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return "", nil, fmt.Errorf("不是 MPD 文档")
	}

	var scheme string
	var protections []ContentProtection
	for _, period := range root.SelectElements("Period") {
		for _, adp := range period.SelectElements("AdaptationSet") {
			adpID := adp.SelectAttrValue("id", "")
			contentType := adp.SelectAttrValue("contentType", "")
			for _, cp := range adp.SelectElements("ContentProtection") {
				p := ContentProtection{
					AdaptationSet: adpID,
					ContentType:   contentType,
					SchemeIDURI:   cp.SelectAttrValue("schemeIdUri", ""),
					Value:         cp.SelectAttrValue("value", ""),
					DefaultKID:    normalizeKID(cp.SelectAttrValue("cenc:default_KID", "")),
				}
				if strings.EqualFold(p.SchemeIDURI, mp4ProtectionScheme) && scheme == "" {
					scheme = p.Value
				}
				protections = append(protections, p)
			}
		}
	}
	return scheme, protections, nil
}

// uuid 形式的 KID 去掉连字符，统一小写十六进制
func normalizeKID(kid string) string {
	return strings.ToLower(strings.ReplaceAll(kid, "-", ""))
}
