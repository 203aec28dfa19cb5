package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/RecoveryAshes/rodmiddleware/internal/models"
	"github.com/RecoveryAshes/rodmiddleware/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
)

const (
	// MarkerHeader 标记需要浏览器渲染的colly请求,值为请求ID
	MarkerHeader = "X-Rodmiddleware-Request"

	// ctxRequestKey colly.Context中保存浏览器请求的键
	ctxRequestKey = "rodmiddleware.request"
	// ctxResponseKey colly.Context中保存渲染结果的键
	ctxResponseKey = "rodmiddleware.response"
	// ctxIDKey colly.Context中保存请求ID的键
	ctxIDKey = "rodmiddleware.id"
)

// Transport colly使用的http.RoundTripper
// 带标记头的请求交给BrowserMiddleware渲染,其余请求走普通HTTP
type Transport struct {
	mw   *BrowserMiddleware
	next http.RoundTripper

	// proxyFunc 请求Meta未指定代理时使用,例如 proxy.RoundRobinProxySwitcher
	proxyFunc colly.ProxyFunc

	// 请求ID -> colly.Context
	// RoundTrip、OnError、OnScraped时删除,被OnRequest中止的请求由Close清理
	pending sync.Map

	// 已注册清理回调的collector
	hooked sync.Map
}

// NewTransport 创建Transport,next为nil时使用http.DefaultTransport的副本
func NewTransport(mw *BrowserMiddleware, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &Transport{mw: mw, next: next}
}

// SetProxyFunc 设置代理选择函数
// 同时作用于浏览器请求与普通HTTP请求
func (t *Transport) SetProxyFunc(fn colly.ProxyFunc) {
	t.proxyFunc = fn
	if ht, ok := t.next.(*http.Transport); ok {
		ht.Proxy = fn
	}
}

// Visit 通过collector发出浏览器请求
func (t *Transport) Visit(c *colly.Collector, req *models.BrowserRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	t.hook(c)

	id := uuid.NewString()
	ctx := colly.NewContext()
	ctx.Put(ctxRequestKey, req)
	ctx.Put(ctxIDKey, id)
	t.pending.Store(id, ctx)

	hdr := http.Header{}
	hdr.Set(MarkerHeader, id)

	if err := c.Request(http.MethodGet, req.URL, nil, ctx, hdr); err != nil {
		t.pending.Delete(id)
		return err
	}
	return nil
}

// hook 为collector注册一次清理回调
func (t *Transport) hook(c *colly.Collector) {
	if _, loaded := t.hooked.LoadOrStore(c, struct{}{}); loaded {
		return
	}
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			t.forget(r.Ctx)
		}
	})
	c.OnScraped(func(r *colly.Response) {
		t.forget(r.Ctx)
	})
}

func (t *Transport) forget(ctx *colly.Context) {
	if ctx == nil {
		return
	}
	if id := ctx.Get(ctxIDKey); id != "" {
		t.pending.Delete(id)
	}
}

// Pending 尚未交给浏览器处理的请求数
func (t *Transport) Pending() int {
	n := 0
	t.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RoundTrip 实现http.RoundTripper
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	id := r.Header.Get(MarkerHeader)
	if id == "" {
		return t.passThrough(r)
	}

	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return nil, fmt.Errorf("未找到浏览器请求: %s", id)
	}
	ctx := v.(*colly.Context)
	br, ok := ctx.GetAny(ctxRequestKey).(*models.BrowserRequest)
	if !ok {
		return nil, fmt.Errorf("浏览器请求上下文无效: %s", id)
	}

	br, err := t.prepare(r, br)
	if err != nil {
		return nil, err
	}

	res, err := t.mw.ProcessRequest(r.Context(), br)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("浏览器请求未被处理: %s", br.URL)
	}
	ctx.Put(ctxResponseKey, res)

	return toHTTPResponse(r, res), nil
}

// prepare 合并collector的Cookie并确定代理
func (t *Transport) prepare(r *http.Request, br *models.BrowserRequest) (*models.BrowserRequest, error) {
	var opts []models.Option

	for _, c := range r.Cookies() {
		if _, exists := br.Cookies[c.Name]; !exists {
			opts = append(opts, models.WithCookie(c.Name, c.Value))
		}
	}

	if br.Proxy() == "" && t.proxyFunc != nil {
		u, err := t.proxyFunc(r)
		if err != nil {
			return nil, fmt.Errorf("选择代理失败: %w", err)
		}
		if u != nil {
			opts = append(opts, models.WithProxy(u.String()))
		}
	}

	if len(opts) == 0 {
		return br, nil
	}
	return br.Copy(opts...)
}

func toHTTPResponse(r *http.Request, res *models.Response) *http.Response {
	req := r.Clone(r.Context())
	if u, err := url.Parse(res.URL); err == nil && u.Host != "" {
		req.URL = u
		req.Host = u.Host
	}

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set(MarkerHeader, r.Header.Get(MarkerHeader))

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    res.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       req,
		Uncompressed:  true,
	}
}

// passThrough 普通HTTP请求,colly不处理brotli,这里解压
func (t *Transport) passThrough(r *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "br") {
		resp.Body = &brotliBody{reader: brotli.NewReader(resp.Body), closer: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
		utils.Debugf("解压brotli响应: %s", r.URL)
	}
	return resp, nil
}

type brotliBody struct {
	reader io.Reader
	closer io.Closer
}

func (b *brotliBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *brotliBody) Close() error {
	return b.closer.Close()
}

// Result 取出colly响应对应的完整渲染结果(包含驱动与截图)
func (t *Transport) Result(resp *colly.Response) (*models.Response, bool) {
	if resp == nil || resp.Ctx == nil {
		return nil, false
	}
	res, ok := resp.Ctx.GetAny(ctxResponseKey).(*models.Response)
	return res, ok
}

// Close 关闭中间件,colly没有结束信号,由调用方在collector.Wait()后调用
func (t *Transport) Close() {
	if n := t.Pending(); n > 0 {
		utils.Debugf("丢弃%d个未执行的浏览器请求", n)
	}
	t.pending.Clear()
	t.mw.SpiderClosed()
}
