// Package pool 提供基于 ants 的协程池。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"
)

// Type 协程池类型。
type Type string

const (
	// DefaultPool 默认通用池
	DefaultPool Type = "default"
	// BackgroundPool 后台任务池（关系发现、知识图谱维护等）
	BackgroundPool Type = "background"
	// BatchPool 重型批处理任务池（向量化、入库），容量即并发上限
	BatchPool Type = "batch"
)

// Config 协程池配置。
type Config struct {
	// Capacity 池容量（最大并发 goroutine 数）
	Capacity int `json:"capacity" mapstructure:"capacity"`
	// ExpiryDuration goroutine 空闲过期时间
	ExpiryDuration time.Duration `json:"expiry-duration" mapstructure:"expiry-duration"`
	// Nonblocking 提交任务是否非阻塞（若池满则返回错误）
	Nonblocking bool `json:"nonblocking" mapstructure:"nonblocking"`
	// MaxBlockingTasks 当 Nonblocking=false 时，最大等待任务数（0 表示无限制）
	MaxBlockingTasks int `json:"max-blocking-tasks" mapstructure:"max-blocking-tasks"`
	// PanicHandler 恐慌处理函数
	PanicHandler func(interface{}) `json:"-" mapstructure:"-"`
}

// DefaultPoolConfig 返回默认池配置
func DefaultPoolConfig() *Config {
	return &Config{
		Capacity:       1000,
		ExpiryDuration: 10 * time.Second,
	}
}

// BackgroundPoolConfig 返回后台任务池配置。池满时直接拒绝，不阻塞请求链路。
func BackgroundPoolConfig() *Config {
	return &Config{
		Capacity:         50,
		ExpiryDuration:   60 * time.Second,
		Nonblocking:      true,
		MaxBlockingTasks: 100,
	}
}

// BatchPoolConfig 返回重型批处理池配置，默认最多 3 个并发任务，提交方阻塞等待空闲 worker。
func BatchPoolConfig() *Config {
	return &Config{
		Capacity:       3,
		ExpiryDuration: 30 * time.Second,
	}
}

// ConfigFor 返回指定类型的默认配置。
func ConfigFor(typ Type) *Config {
	switch typ {
	case BackgroundPool:
		return BackgroundPoolConfig()
	case BatchPool:
		return BatchPoolConfig()
	default:
		return DefaultPoolConfig()
	}
}

// Pool 协程池。
type Pool struct {
	name     string
	typ      Type
	pool     *ants.Pool
	config   *Config
	stats    poolStatsCounter
	closed   atomic.Bool
	closedMu sync.Mutex
}

type poolStatsCounter struct {
	SubmittedTasks atomic.Int64
	CompletedTasks atomic.Int64
	RejectedTasks  atomic.Int64
	PanicRecovered atomic.Int64
}

// Stats 池统计信息快照。
type Stats struct {
	Name           string `json:"name"`
	Capacity       int    `json:"capacity"`
	Running        int    `json:"running"`
	SubmittedTasks int64  `json:"submitted_tasks"`
	CompletedTasks int64  `json:"completed_tasks"`
	RejectedTasks  int64  `json:"rejected_tasks"`
	PanicRecovered int64  `json:"panic_recovered"`
}

// NewPool 创建协程池。config 为 nil 时使用 typ 对应的默认配置。
func NewPool(name string, typ Type, config *Config) (*Pool, error) {
	if config == nil {
		config = ConfigFor(typ)
	}
	if config.Capacity <= 0 {
		return nil, ErrInvalidPoolConfig
	}

	p := &Pool{
		name:   name,
		typ:    typ,
		config: config,
	}

	pool, err := ants.NewPool(config.Capacity, p.buildAntsOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create ants pool %s: %w", name, err)
	}
	p.pool = pool

	logger.Infow("Worker pool created",
		"name", name,
		"type", string(typ),
		"capacity", config.Capacity,
		"nonblocking", config.Nonblocking,
	)
	return p, nil
}

func (p *Pool) buildAntsOptions() []ants.Option {
	opts := []ants.Option{
		ants.WithExpiryDuration(p.config.ExpiryDuration),
		ants.WithNonblocking(p.config.Nonblocking),
		ants.WithMaxBlockingTasks(p.config.MaxBlockingTasks),
	}

	handler := p.config.PanicHandler
	if handler == nil {
		name := p.name
		handler = func(r interface{}) {
			logger.Errorw("Worker panic recovered", "pool", name, "panic", r)
		}
	}
	opts = append(opts, ants.WithPanicHandler(func(r interface{}) {
		p.stats.PanicRecovered.Add(1)
		handler(r)
	}))
	return opts
}

// Name 返回池名称
func (p *Pool) Name() string { return p.name }

// Type 返回池类型
func (p *Pool) Type() Type { return p.typ }

// Cap 返回池容量
func (p *Pool) Cap() int { return p.pool.Cap() }

// Running 返回正在运行的 goroutine 数量
func (p *Pool) Running() int { return p.pool.Running() }

// Submit 提交任务到池中执行
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	err := p.pool.Submit(func() {
		defer p.stats.CompletedTasks.Add(1)
		task()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			p.stats.RejectedTasks.Add(1)
			return ErrPoolOverload
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return err
	}
	p.stats.SubmittedTasks.Add(1)
	return nil
}

// SubmitWithContext 提交带上下文的任务，任务开始前上下文已取消则跳过执行。
func (p *Pool) SubmitWithContext(ctx context.Context, task func(ctx context.Context)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Submit(func() {
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	})
}

// SubmitAndWait 提交一组任务并等待全部结束。
// 并发度受池容量约束；提交失败的任务不会执行，返回第一个提交错误。
func (p *Pool) SubmitAndWait(ctx context.Context, tasks []func(ctx context.Context)) error {
	var (
		wg       sync.WaitGroup
		firstErr error
	)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		task := task
		wg.Add(1)
		// 开始前已取消的任务同样需要 Done，不能走 SubmitWithContext
		err := p.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			task(ctx)
		})
		if err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	wg.Wait()
	return firstErr
}

// Release 关闭池并释放资源
func (p *Pool) Release() {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed.Load() {
		return
	}
	p.closed.Store(true)
	p.pool.Release()
	logger.Infow("Worker pool released", "name", p.name)
}

// ReleaseTimeout 带超时关闭池，等待运行中的任务结束。
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	return p.pool.ReleaseTimeout(timeout)
}

// Stats 返回池统计信息快照
func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		Capacity:       p.pool.Cap(),
		Running:        p.pool.Running(),
		SubmittedTasks: p.stats.SubmittedTasks.Load(),
		CompletedTasks: p.stats.CompletedTasks.Load(),
		RejectedTasks:  p.stats.RejectedTasks.Load(),
		PanicRecovered: p.stats.PanicRecovered.Load(),
	}
}
