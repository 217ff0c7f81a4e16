package bot

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager 管理一组 worker 的生命周期。worker 之间完全隔离：
// 各自持有仓位和台账，单个 worker 停机不影响其余。
type Manager struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager 构造一个空的 manager
func NewManager(logger *zap.SugaredLogger) *Manager {
	return &Manager{
		logger:  logger,
		workers: make(map[string]*Worker),
	}
}

// Add 注册一个 worker。name 需唯一，通常为 "账户ID/交易对"。
// 必须在 Start 之前调用。
func (m *Manager) Add(name string, w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[name] = w
}

// Start 为每个已注册的 worker 启动一个 goroutine。非阻塞。
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for name, w := range m.workers {
		m.wg.Add(1)
		go func(name string, w *Worker) {
			defer m.wg.Done()
			m.logger.Infof("worker %s 启动", name)
			w.Run(runCtx)
			m.logger.Infof("worker %s 已退出", name)
		}(name, w)
	}
}

// Stop 通知所有 worker 停机并等待它们退出。worker 会在退出前
// 尽力撤掉自己的挂单。
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Wait 阻塞到所有 worker 自行退出（例如全部致命停机）
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status 返回所有 worker 的快照，按名称排序
func (m *Manager) Status() []NamedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NamedStatus, 0, len(m.workers))
	for name, w := range m.workers {
		out = append(out, NamedStatus{Name: name, Status: w.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NamedStatus 将 worker 快照和注册名绑在一起
type NamedStatus struct {
	Name   string
	Status Status
}
