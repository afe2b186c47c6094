package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	p, err := NewPool("test", DefaultPool, nil)
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	defer p.Release()

	if p.Name() != "test" {
		t.Errorf("池名称不匹配: 期望 test, 实际 %s", p.Name())
	}
	if p.Cap() != 1000 {
		t.Errorf("池容量不匹配: 期望 1000, 实际 %d", p.Cap())
	}
}

func TestNewPool_InvalidCapacity(t *testing.T) {
	if _, err := NewPool("bad", DefaultPool, &Config{Capacity: 0}); err != ErrInvalidPoolConfig {
		t.Fatalf("期望 ErrInvalidPoolConfig, 实际 %v", err)
	}
}

func TestPoolSubmit(t *testing.T) {
	p, err := NewPool("test", DefaultPool, &Config{Capacity: 10, ExpiryDuration: 5 * time.Second})
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	defer p.Release()

	var counter atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		}); err != nil {
			t.Errorf("提交任务失败: %v", err)
			wg.Done()
		}
	}
	wg.Wait()

	if counter.Load() != 100 {
		t.Errorf("任务执行数不匹配: 期望 100, 实际 %d", counter.Load())
	}
}

func TestBatchPool_LimitsConcurrency(t *testing.T) {
	p, err := NewPool("batch", BatchPool, nil)
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	defer p.Release()

	var running, peak atomic.Int32
	tasks := make([]func(ctx context.Context), 12)
	for i := range tasks {
		tasks[i] = func(context.Context) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
		}
	}

	if err := p.SubmitAndWait(context.Background(), tasks); err != nil {
		t.Fatalf("批量提交失败: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("并发数超过上限: 期望 <= 3, 实际 %d", peak.Load())
	}
	if got := p.Stats().CompletedTasks; got != 12 {
		t.Errorf("完成任务数不匹配: 期望 12, 实际 %d", got)
	}
}

func TestPoolSubmitWithContext_Cancelled(t *testing.T) {
	p, err := NewPool("test", DefaultPool, &Config{Capacity: 1, ExpiryDuration: time.Second})
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.SubmitWithContext(ctx, func(context.Context) {}); err != context.Canceled {
		t.Errorf("期望 context.Canceled, 实际 %v", err)
	}
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	p, err := NewPool("test", DefaultPool, &Config{Capacity: 2, ExpiryDuration: time.Second})
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	p.Release()

	if err := p.Submit(func() {}); err != ErrPoolClosed {
		t.Errorf("期望 ErrPoolClosed, 实际 %v", err)
	}
}

func TestPoolPanicRecovered(t *testing.T) {
	done := make(chan struct{})
	p, err := NewPool("test", DefaultPool, &Config{
		Capacity:       2,
		ExpiryDuration: time.Second,
		PanicHandler:   func(interface{}) { close(done) },
	})
	if err != nil {
		t.Fatalf("创建池失败: %v", err)
	}
	defer p.Release()

	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("提交任务失败: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic 处理函数未被调用")
	}
	if p.Stats().PanicRecovered != 1 {
		t.Errorf("panic 计数不匹配: 期望 1, 实际 %d", p.Stats().PanicRecovered)
	}
}
