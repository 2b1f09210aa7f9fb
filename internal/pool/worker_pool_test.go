package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSubmitAndDrain(t *testing.T) {
	p := NewWorkerPool(2, 16, zap.NewNop())
	p.Start(context.Background())

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(func() { count.Add(1) })
	}

	assert.True(t, p.Drain(time.Second), "drain must finish in time")
	assert.Equal(t, int64(10), count.Load(), "all queued tasks run before drain returns")
}

func TestTrySubmitBackpressure(t *testing.T) {
	p := NewWorkerPool(1, 1, zap.NewNop())
	// 不启动 worker：队列容量 1，第二个提交必须被拒绝
	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := NewWorkerPool(1, 4, zap.NewNop())
	p.Start(context.Background())

	var ran atomic.Bool
	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })

	assert.True(t, p.Drain(time.Second))
	assert.True(t, ran.Load(), "worker survives a panicking task")
}
