package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// TraceConf 配置诊断输出文件
type TraceConf struct {
	File    string `ini:"file"`
	TTYOnly bool   `ini:"tty_only"`
}

// WebConf 包含状态页面的配置，Port 为 0 时禁用
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// HealthConf 包含后台健康检查的配置
type HealthConf struct {
	Interval    int    `ini:"interval"` // 秒，0 表示禁用
	Concurrency int    `ini:"concurrency"`
	ProbeTarget string `ini:"probe_target"`
}

// GatewayConf 配置本地 SOCKS5/HTTP 入口，Port 为 0 时禁用
type GatewayConf struct {
	Port        int    `ini:"port"`
	Chain       string `ini:"chain"`
	Transparent bool   `ini:"transparent"` // 接受 iptables REDIRECT 过来的连接 (仅 Linux)
}

// Config 是进程级的行为配置，链数据由 config.LoadChains 单独解析
type Config struct {
	LogConf     `ini:"log"`
	TraceConf   `ini:"trace"`
	WebConf     `ini:"web"`
	HealthConf  `ini:"health"`
	GatewayConf `ini:"gateway"`
}
