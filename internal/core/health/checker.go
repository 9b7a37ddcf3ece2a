package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chainproxy_nexus/internal/shared/logger"
	"chainproxy_nexus/internal/shared/types"
)

// Prober 对单个代理执行一次探测拨号
type Prober interface {
	Probe(ctx context.Context, chain *types.ProxyChain, p *types.ProxyData) error
}

// Source 返回当前快照及其健康表，未加载时返回 nil。
type Source func() (*types.Snapshot, *Table)

// Result 是一次探测的结果
type Result struct {
	Key     Key
	Outcome types.DialOutcome
	Latency time.Duration
	Err     error
}

// Checker 负责对快照中的代理进行健康检查。
type Checker struct {
	prober      Prober
	concurrency int
	log         zerolog.Logger
}

// New 创建一个新的 Checker 实例。
func New(prober Prober, concurrency int) *Checker {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Checker{
		prober:      prober,
		concurrency: concurrency,
		log:         logger.WithComponent("Health/Checker"),
	}
}

// Check 并发探测快照中的每个代理，并把结果写入 table。
// 不健康的条目在重新探测期间被标为 BUSY；已经是 BUSY 的条目正被其他检查使用，跳过。
func (c *Checker) Check(ctx context.Context, snap *types.Snapshot, table *Table) []Result {
	type job struct {
		key     Key
		chain   *types.ProxyChain
		proxy   *types.ProxyData
		prev    types.ProxyState
		claimed bool
	}
	var jobs []job
	for _, chain := range snap.Chains {
		for i := range chain.Proxies {
			j := job{key: Key{Chain: chain.Name, Index: i}, chain: chain, proxy: &chain.Proxies[i]}
			j.prev = table.Get(j.key)
			switch j.prev {
			case types.StateBusy:
				continue
			case types.StateUp:
			default:
				prev, ok := table.Acquire(j.key)
				if !ok {
					continue
				}
				j.prev, j.claimed = prev, true
			}
			jobs = append(jobs, j)
		}
	}

	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, j := range jobs {
		g.Go(func() error {
			start := time.Now()
			err := c.prober.Probe(gctx, j.chain, j.proxy)
			res := Result{Key: j.key, Outcome: types.OutcomeOf(err), Latency: time.Since(start), Err: err}
			results[i] = res

			if gctx.Err() != nil {
				if j.claimed {
					table.Release(j.key, j.prev)
				}
				return nil
			}
			table.Report(j.key, res.Outcome)

			ev := c.log.Debug().
				Str("chain", j.key.Chain).
				Int("index", j.key.Index).
				Str("proxy", j.proxy.Addr.String()).
				Str("outcome", res.Outcome.String()).
				Int64("latency_ms", res.Latency.Milliseconds())
			if err != nil {
				ev = ev.Err(err)
			}
			ev.Msgf("HealthCheck: %s -> %s", j.prev, res.Outcome.State())
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run 按 interval 周期性检查 source 提供的当前快照，直到 ctx 结束。
func (c *Checker) Run(ctx context.Context, interval time.Duration, source Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", interval).Int("concurrency", c.concurrency).Msg("Health checker started.")
	for {
		select {
		case <-ticker.C:
			snap, table := source()
			if snap == nil || table == nil {
				continue
			}
			results := c.Check(ctx, snap, table)
			up := 0
			for _, r := range results {
				if r.Outcome == types.OutcomeSuccess {
					up++
				}
			}
			c.log.Info().Int("checked", len(results)).Int("up", up).Msg("Health check cycle finished.")
		case <-ctx.Done():
			c.log.Info().Msg("Health checker stopped.")
			return
		}
	}
}
