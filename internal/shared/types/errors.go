package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChain 表示快照中不存在所请求的链。
	ErrUnknownChain = errors.New("unknown chain")
	// ErrNotLoaded 表示当前没有已发布的快照。
	ErrNotLoaded = errors.New("configuration not loaded")
	// ErrInsufficientProxies 是 SelectionError 的哨兵错误。
	ErrInsufficientProxies = errors.New("insufficient healthy proxies")
)

// ParseError 描述配置源中无法解析的位置。Line 为 0 表示行号不可用。
type ParseError struct {
	Source string
	Line   int
	Token  string
	Msg    string
}

func (e *ParseError) Error() string {
	loc := e.Source
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	if e.Token != "" {
		return fmt.Sprintf("%s: %s (near '%s')", loc, e.Msg, e.Token)
	}
	return fmt.Sprintf("%s: %s", loc, e.Msg)
}

// ConfigError 是语义上非法的链定义，在加载时致命。
type ConfigError struct {
	Chain string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Chain == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: chain '%s': %s", e.Chain, e.Msg)
}

// SelectionError 表示本次连接尝试没有足够的健康代理，可在之后重试。
type SelectionError struct {
	Chain  string
	Policy ChainType
	Need   int
	Have   int
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("chain '%s' (%s): need %d healthy proxies, have %d", e.Chain, e.Policy, e.Need, e.Have)
}

func (e *SelectionError) Unwrap() error {
	return ErrInsufficientProxies
}
