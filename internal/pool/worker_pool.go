package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerPool 有界后台任务队列
//
// 用于把"请求路径之外"的工作（lastUsedAt 回写、用量落账）
// 移出热路径：队列有界提供背压，关停时带超时排空，
// 避免停机丢失记账事件。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger

	stopOnce sync.Once
}

// NewWorkerPool 创建任务队列
//
// 参数:
//   - maxWorkers: 消费协程数
//   - queueSize: 队列长度（写满后 TrySubmit 拒绝）
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log,
	}
}

// Start 启动消费协程
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务，队列满时阻塞
func (p *WorkerPool) Submit(task func()) {
	p.taskQueue <- task
}

// TrySubmit 尝试提交任务，队列满时立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Drain 关闭队列并等待在途任务完成，超时放弃
//
// 返回是否在期限内排空。
func (p *WorkerPool) Drain(timeout time.Duration) bool {
	p.stopOnce.Do(func() { close(p.taskQueue) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		p.log.Warn("worker pool drain timed out", zap.Duration("timeout", timeout))
		return false
	}
}

// worker 消费协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// 上下文取消后继续排空已入队任务，直到通道关闭
			for task := range p.taskQueue {
				p.run(task)
			}
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
