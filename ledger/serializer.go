package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSerializerClosed 队列已关闭，不再接受新任务
var ErrSerializerClosed = errors.New("submission serializer closed")

// Task 是一次状态变更提交及其确认等待
type Task func(ctx context.Context) error

type job struct {
	ctx   context.Context
	task  Task
	done  chan error
	mu    sync.Mutex
	state int // 0 排队, 1 执行中, 2 已放弃
}

// Serializer 保证同一凭证下任意时刻最多一个提交在途，按调用顺序(FIFO)执行
type Serializer struct {
	mu     sync.Mutex
	queue  []*job
	wake   chan struct{}
	closed bool
	exited chan struct{}
}

// NewSerializer 创建并启动单工作协程的提交队列
func NewSerializer() *Serializer {
	s := &Serializer{
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

// RunExclusive 将任务排入队列并等待其完成。
// 排队期间 ctx 结束则放弃该任务并返回 ctx.Err()；
// 任务一旦开始执行，将在脱离取消的上下文中运行到结束。
func (s *Serializer) RunExclusive(ctx context.Context, task Task) error {
	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}
	s.queue = append(s.queue, j)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		j.mu.Lock()
		if j.state == 0 {
			j.state = 2
			j.mu.Unlock()
			return ctx.Err()
		}
		j.mu.Unlock()
		// 已开始执行，等待结果
		return <-j.done
	}
}

// Pending 返回排队中（未开始）的任务数
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close 停止接收新任务，已排队任务执行完毕后工作协程退出
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.exited
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.exited
}

func (s *Serializer) run() {
	defer close(s.exited)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(j)
	}
}

func (s *Serializer) execute(j *job) {
	j.mu.Lock()
	if j.state == 2 {
		j.mu.Unlock()
		return
	}
	j.state = 1
	j.mu.Unlock()

	j.done <- runTask(context.WithoutCancel(j.ctx), j.task)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submission task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Lanes 为每个凭证维护一个独立的提交队列
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*Serializer
}

// NewLanes 创建空的凭证队列集合
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*Serializer)}
}

// Lane 返回凭证对应的队列，不存在时创建
func (l *Lanes) Lane(credential string) *Serializer {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.lanes[credential]
	if !ok {
		s = NewSerializer()
		l.lanes[credential] = s
	}
	return s
}

// Close 关闭全部队列
func (l *Lanes) Close() {
	l.mu.Lock()
	lanes := l.lanes
	l.lanes = make(map[string]*Serializer)
	l.mu.Unlock()

	for _, s := range lanes {
		s.Close()
	}
}
