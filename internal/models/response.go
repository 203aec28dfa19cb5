package models

// Response 浏览器渲染后合成的响应
type Response struct {
	URL      string          // 加载完成后的当前URL
	Status   int             // 合成状态码,成功渲染固定为200
	Body     []byte          // 渲染后的页面HTML
	Encoding string          // 固定为utf-8
	Request  *BrowserRequest // 产生该响应的请求
	Meta     map[string]any  // 包含 MetaDriver, 可选 MetaScreenshot
}

// Text 以字符串形式返回响应体
func (r *Response) Text() string {
	return string(r.Body)
}

// Driver 返回产生该响应的驱动,供后续操作使用
func (r *Response) Driver() (Driver, bool) {
	d, ok := r.Meta[MetaDriver].(Driver)
	return d, ok
}

// Screenshot 返回截图数据,仅在请求要求截图时存在
func (r *Response) Screenshot() ([]byte, bool) {
	png, ok := r.Meta[MetaScreenshot].([]byte)
	return png, ok
}
