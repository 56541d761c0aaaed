package route

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"

	"cdpdriver/pkg/traffic"
)

// toRequest 将被暂停的协议事件转换为中立 Request 模型
func toRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}

	if u, err := url.Parse(req.URL); err == nil {
		for key, vals := range u.Query() {
			if len(vals) > 0 {
				req.Query[strings.ToLower(key)] = vals[0]
			}
		}
	}

	if cookieHeader := req.Headers.Get("cookie"); cookieHeader != "" {
		for _, pair := range strings.Split(cookieHeader, ";") {
			if kv := strings.SplitN(strings.TrimSpace(pair), "=", 2); len(kv) == 2 {
				req.Cookies[strings.ToLower(kv[0])] = kv[1]
			}
		}
	}

	return req
}

// toHeaderEntries 将中立头部转换为协议头部条目
func toHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	if len(h) == 0 {
		return nil
	}
	out := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		out = append(out, fetch.HeaderEntry{Name: k, Value: v})
	}
	return out
}
