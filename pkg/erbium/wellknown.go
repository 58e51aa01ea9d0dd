package erbium

import (
	"strings"

	"github.com/junbin-yang/erbium-go/pkg/coap"
)

// WellKnownCoreURL 资源发现路径
const WellKnownCoreURL = ".well-known/core"

// RegisterWellKnownCore 注册资源发现资源
func (d *Dispatcher) RegisterWellKnownCore() error {
	return d.Register(NewResource(WellKnownCoreURL, MethodGET, "", d.wellKnownCoreHandler))
}

// LinkFormat 生成全部（经过滤的）资源的link-format描述
// filter为Uri-Query中的单个"name=value"，value末尾的'*'表示前缀匹配
func (d *Dispatcher) LinkFormat(filter string) string {
	name, value, hasFilter := parseLinkFilter(filter)

	var sb strings.Builder
	for _, r := range d.resources {
		if hasFilter && !linkMatches(r, name, value) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("</")
		sb.WriteString(r.URL)
		sb.WriteByte('>')
		if r.Attributes != "" {
			sb.WriteByte(';')
			sb.WriteString(r.Attributes)
		}
	}
	return sb.String()
}

// wellKnownCoreHandler 自行分块：按offset截取preferredSize字节
func (d *Dispatcher) wellKnownCoreHandler(req, resp *coap.Message, buf []byte, preferredSize int, offset *int32) {
	query, _ := req.URIQuery()
	links := d.LinkFormat(query.String())

	start := int(*offset)
	if start < 0 {
		start = 0
	}
	if preferredSize > len(buf) {
		preferredSize = len(buf)
	}

	if start >= len(links) {
		if len(links) > 0 {
			resp.Code = coap.BadOption
			resp.SetPayload([]byte("BlockOutOfScope"))
		}
		*offset = -1
		return
	}

	end := start + preferredSize
	if end >= len(links) {
		end = len(links)
		*offset = -1
	} else {
		*offset = int32(end)
	}

	n := copy(buf, links[start:end])
	resp.SetContentType(coap.AppLinkFormat)
	resp.SetPayload(buf[:n])
}

func parseLinkFilter(filter string) (name, value string, ok bool) {
	if filter == "" {
		return "", "", false
	}
	// 多个查询参数时只取第一个
	if i := strings.IndexByte(filter, '&'); i >= 0 {
		filter = filter[:i]
	}
	i := strings.IndexByte(filter, '=')
	if i <= 0 {
		return "", "", false
	}
	name, value = filter[:i], filter[i+1:]
	if name == "href" {
		value = strings.TrimPrefix(value, "/")
	}
	return name, value, true
}

func matchValue(candidate, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(candidate, strings.TrimSuffix(pattern, "*"))
	}
	return candidate == pattern
}

func linkMatches(r *Resource, name, value string) bool {
	if name == "href" {
		return matchValue(r.URL, value)
	}
	for _, attr := range strings.Split(r.Attributes, ";") {
		k, v, hasValue := strings.Cut(attr, "=")
		if strings.TrimSpace(k) != name {
			continue
		}
		if !hasValue {
			// 无值属性（如obs）只能用空值或'*'匹配
			return value == "" || value == "*"
		}
		v = strings.Trim(v, "\"")
		// 属性值可以是空格分隔的列表
		for _, item := range strings.Fields(v) {
			if matchValue(item, value) {
				return true
			}
		}
		if v == "" && matchValue(v, value) {
			return true
		}
	}
	return false
}
