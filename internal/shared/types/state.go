package types

import (
	"errors"
	"net"
	"os"
)

// ProxyState 是单个代理条目的运行时健康状态。
// 零值 StateUp 即加载后的初始状态。
type ProxyState int32

const (
	StateUp ProxyState = iota
	StateDown
	StateBlocked
	StateBusy
)

var proxyStateNames = [...]string{"up", "down", "blocked", "busy"}

func (s ProxyState) String() string {
	return enumName(proxyStateNames[:], int(s), "ProxyState")
}

// Usable reports whether DYNAMIC and RANDOM selection may pick an entry in this state.
// BUSY is skipped exactly like DOWN and BLOCKED.
func (s ProxyState) Usable() bool {
	return s == StateUp
}

// DialOutcome 是连接器对一次拨号尝试的结果报告
type DialOutcome int

const (
	OutcomeSuccess DialOutcome = iota
	OutcomeTimeout
	OutcomeRefused
	OutcomeAuthFailed
)

var dialOutcomeNames = [...]string{"success", "timeout", "refused", "auth_failed"}

func (o DialOutcome) String() string {
	return enumName(dialOutcomeNames[:], int(o), "DialOutcome")
}

// State maps a dial outcome onto the health state it produces.
func (o DialOutcome) State() ProxyState {
	switch o {
	case OutcomeSuccess:
		return StateUp
	case OutcomeAuthFailed:
		return StateBlocked
	default:
		return StateDown
	}
}

// ErrAuthFailed 表示上游代理拒绝了凭据。
var ErrAuthFailed = errors.New("proxy authentication failed")

// OutcomeOf 将拨号错误归类为 DialOutcome。
func OutcomeOf(err error) DialOutcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrAuthFailed) {
		return OutcomeAuthFailed
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeRefused
}
