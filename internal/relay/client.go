package relay

import (
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout 建连超时。
const DefaultConnectTimeout = 30 * time.Second

// NewHTTPClient 创建出站 HTTP 客户端, 进程启动时构建一次, 之后只读。
//
// 不设置 Client.Timeout: 流式 body 的生命周期由每次交换的 context 截止时间约束。
// headerTimeout 限制等待响应头的时长 (通常等于交换截止时间)。
func NewHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = headerTimeout
	transport.MaxIdleConnsPerHost = 16
	return &http.Client{Transport: transport}
}
