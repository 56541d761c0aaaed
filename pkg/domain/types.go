package domain

// TargetID 浏览器侧目标标识
type TargetID string

// SessionID 附加到目标后获得的控制通道标识
type SessionID string

// BrowserContextID 隔离浏览上下文标识，空串表示默认上下文
type BrowserContextID string

// FrameID 页面主框架标识
type FrameID string

// Credentials HTTP 认证凭据
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Viewport 视口仿真参数
type Viewport struct {
	Width  int     `json:"width" yaml:"width"`
	Height int     `json:"height" yaml:"height"`
	Scale  float64 `json:"scale" yaml:"scale"`
	Mobile bool    `json:"mobile" yaml:"mobile"`
}

// Geolocation 地理位置仿真参数
type Geolocation struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
}

// EmulateOptions 页面附加时按尽力原则应用的仿真设置，
// 任一项失败只记录日志，不阻断页面创建
type EmulateOptions struct {
	Viewport    *Viewport    `json:"viewport,omitempty" yaml:"viewport,omitempty"`
	UserAgent   string       `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	Locale      string       `json:"locale,omitempty" yaml:"locale,omitempty"`
	TimezoneID  string       `json:"timezoneId,omitempty" yaml:"timezoneId,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty" yaml:"geolocation,omitempty"`
}
