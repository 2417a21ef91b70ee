package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/xarblu/portcache/internal/config"
	"github.com/xarblu/portcache/internal/digest"
)

// LayoutDocument 是受支持的 mirror 布局声明，与 Gentoo 主 mirror 的
// distfiles/layout.conf 完全一致。其他布局的 mirror 会被整体跳过。
const LayoutDocument = "[structure]\n0=filename-hash BLAKE2B 8\n"

// layout 探测的三种状态。
const (
	layoutUnknown int32 = iota
	layoutSupported
	layoutUnsupported
)

// ErrExhausted 表示所有 mirror 都不可用（退避中、布局不支持或已被排除）。
var ErrExhausted = errors.New("mirror pool exhausted")

// Endpoint 持有单个 mirror 的地址与健康状态。健康字段全部使用原子更新，
// 多个并发下载共享同一个 Endpoint 时只保证弱一致的近似计数。
type Endpoint struct {
	// URL 是去掉末尾斜杠的 mirror 基地址。
	URL string
	// Priority 数值越小越优先，相同值按配置顺序。
	Priority int

	order         int
	failures      atomic.Int32
	disabledUntil atomic.Int64 // unix nano
	lastFailure   atomic.Int64 // unix nano
	layout        atomic.Int32
}

// Failures 返回当前连续失败次数（近似值）。
func (e *Endpoint) Failures() int {
	return int(e.failures.Load())
}

// DistfileURL 按 filename-hash 布局拼出某个 distfile 在该 mirror 上的地址。
func (e *Endpoint) DistfileURL(name string) string {
	return fmt.Sprintf("%s/distfiles/%s/%s", e.URL, digest.ShardDir(name), name)
}

func (e *Endpoint) inBackoff(now time.Time) bool {
	return now.UnixNano() < e.disabledUntil.Load()
}

// Pool 管理有序的 mirror 集合与退避参数。Endpoint 的选择不加互斥锁，
// 不同文件的并发下载可以同时命中同一个 mirror。
type Pool struct {
	endpoints   []*Endpoint
	backoffBase time.Duration
	backoffCap  time.Duration
	now         func() time.Time
}

// NewPool 根据配置构建 mirror 池，保持配置声明的顺序作为同优先级的次序。
func NewPool(mirrors []config.MirrorConfig, backoffBase, backoffCap time.Duration) *Pool {
	endpoints := make([]*Endpoint, 0, len(mirrors))
	for i, m := range mirrors {
		endpoints = append(endpoints, &Endpoint{
			URL:      m.URL,
			Priority: m.Priority,
			order:    i,
		})
	}

	if backoffBase <= 0 {
		backoffBase = 15 * time.Second
	}
	if backoffCap < backoffBase {
		backoffCap = 15 * time.Minute
	}

	return &Pool{
		endpoints:   endpoints,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		now:         time.Now,
	}
}

// Size 返回配置的 mirror 数量。
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Next 返回下一个候选 mirror：按优先级排序，同优先级里最近失败时间更早的
// 优先，仍然平手则保持配置顺序；处于退避窗口、布局不支持或已在 exclude
// 集合中的端点会被跳过。没有候选时返回 ErrExhausted。
func (p *Pool) Next(exclude map[*Endpoint]struct{}) (*Endpoint, error) {
	now := p.now()

	candidates := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if _, skipped := exclude[e]; skipped {
			continue
		}
		if e.layout.Load() == layoutUnsupported {
			continue
		}
		if e.inBackoff(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, ErrExhausted
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		af, bf := a.lastFailure.Load(), b.lastFailure.Load()
		if af != bf {
			return af < bf
		}
		return a.order < b.order
	})

	return candidates[0], nil
}

// RecordFailure 累加失败计数并设置指数退避窗口：base × 2^(n-1)，封顶 cap。
func (p *Pool) RecordFailure(e *Endpoint) {
	n := e.failures.Add(1)
	window := p.backoffBase
	for i := int32(1); i < n; i++ {
		window *= 2
		if window >= p.backoffCap {
			window = p.backoffCap
			break
		}
	}

	now := p.now()
	e.lastFailure.Store(now.UnixNano())
	e.disabledUntil.Store(now.Add(window).UnixNano())
}

// RecordSuccess 清零失败计数并解除退避。
func (p *Pool) RecordSuccess(e *Endpoint) {
	e.failures.Store(0)
	e.disabledUntil.Store(0)
}

// EnsureLayout 对 mirror 做一次性的 layout.conf 探测。结果按端点缓存：
// 支持的布局之后不再探测，不支持的布局让端点永久出局；网络错误不定性，
// 下次选中时重试。
func (p *Pool) EnsureLayout(ctx context.Context, client *http.Client, e *Endpoint) error {
	switch e.layout.Load() {
	case layoutSupported:
		return nil
	case layoutUnsupported:
		return fmt.Errorf("mirror %s: unsupported layout", e.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL+"/distfiles/layout.conf", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror %s: layout probe: %w", e.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mirror %s: layout probe: status %d", e.URL, resp.StatusCode)
	}

	// layout.conf 只有两行，限制读取量防御异常响应。
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("mirror %s: layout probe: %w", e.URL, err)
	}

	if string(body) != LayoutDocument {
		e.layout.Store(layoutUnsupported)
		return fmt.Errorf("mirror %s: unknown layout in layout.conf", e.URL)
	}

	e.layout.Store(layoutSupported)
	return nil
}

// EndpointStatus 是 /status 输出的健康快照。
type EndpointStatus struct {
	URL           string    `json:"url"`
	Priority      int       `json:"priority"`
	Failures      int       `json:"failures"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
}

// Snapshot 导出所有端点的近似健康状态。
func (p *Pool) Snapshot() []EndpointStatus {
	result := make([]EndpointStatus, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		status := EndpointStatus{
			URL:      e.URL,
			Priority: e.Priority,
			Failures: e.Failures(),
		}
		if until := e.disabledUntil.Load(); until > 0 {
			status.DisabledUntil = time.Unix(0, until)
		}
		result = append(result, status)
	}
	return result
}
