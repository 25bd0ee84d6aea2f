// Package pool 固定大小的协程池，限制同时执行的同步任务数
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 任务 panic 时记录日志并继续服务，池本身不会因单个任务退出
type WorkerPool struct {
	size    int
	tasks   chan func()
	busy    atomic.Int32
	wg      sync.WaitGroup
	closed  sync.Once
	logger  *zap.Logger
	onPanic func(recovered interface{})
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - size: 协程数，<=0 时为 1
//   - backlog: 等待执行的任务数上限
//   - logger: 记录任务 panic
func NewWorkerPool(size, backlog int, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		size:   max(size, 1),
		tasks:  make(chan func(), max(backlog, 0)),
		logger: logger,
	}
}

// OnPanic 设置任务 panic 时的回调，需在 Start 之前调用
func (p *WorkerPool) OnPanic(fn func(recovered interface{})) {
	p.onPanic = fn
}

// Size 协程数
func (p *WorkerPool) Size() int { return p.size }

// Busy 正在执行的任务数
func (p *WorkerPool) Busy() int { return int(p.busy.Load()) }

// Pending 已提交但尚未开始的任务数
func (p *WorkerPool) Pending() int { return len(p.tasks) }

// Start 启动全部协程，ctx 结束后协程不再取新任务
func (p *WorkerPool) Start(ctx context.Context) {
	p.wg.Add(p.size)
	for range p.size {
		go p.loop(ctx)
	}
}

// Submit 提交任务，队列满时阻塞；ctx 结束时返回 false
func (p *WorkerPool) Submit(ctx context.Context, task func()) bool {
	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit 队列满时立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop 关闭任务队列并等待正在执行的任务结束
func (p *WorkerPool) Stop() {
	p.closed.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

func (p *WorkerPool) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(task)
		}
	}
}

func (p *WorkerPool) execute(task func()) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.logger.Error("Worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		if p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	task()
}
