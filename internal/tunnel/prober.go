package tunnel

import (
	"context"
	"fmt"
	"time"

	"chainproxy_nexus/internal/core/health"
	"chainproxy_nexus/internal/shared/types"
)

// Prober 通过单跳握手检查一个代理：连接代理，再请求它连接探测目标。
type Prober struct {
	target types.Address
	dial   DialFunc
}

var _ health.Prober = (*Prober)(nil)

// NewProber 创建以 target 为探测目标的 Prober。
func NewProber(target types.Address, dial DialFunc) *Prober {
	return &Prober{target: target, dial: dial}
}

// Probe 的超时取自 chain。握手失败的错误原样返回，由 types.OutcomeOf 归类。
func (p *Prober) Probe(ctx context.Context, chain *types.ProxyChain, proxy *types.ProxyData) error {
	hs, err := HandshakerFor(proxy.Type)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if chain.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, chain.ConnectTimeout)
		defer cancel()
	}
	conn, err := p.dial(dialCtx, "tcp", proxy.Addr.String())
	if err != nil {
		return fmt.Errorf("probe %s: %w", proxy.Addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	if chain.ReadTimeout > 0 {
		conn.SetDeadline(time.Now().Add(chain.ReadTimeout))
	}
	if _, err := hs(conn, proxy, p.target); err != nil {
		return fmt.Errorf("probe %s: %w", proxy.Addr, err)
	}
	return nil
}
