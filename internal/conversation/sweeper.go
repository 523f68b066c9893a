package conversation

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Sweeper 按 cron 表达式周期性清理空闲会话。
type Sweeper struct {
	cron    *cron.Cron
	manager *Manager
}

// NewSweeper 创建清理器，spec 支持标准 5 段表达式与 "@every 1m" 形式。
func NewSweeper(manager *Manager, spec string) (*Sweeper, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	s := &Sweeper{cron: cron.New(), manager: manager}
	if _, err := s.cron.AddFunc(spec, func() {
		manager.Sweep(manager.now())
	}); err != nil {
		return nil, fmt.Errorf("注册会话清理任务 %q 失败: %w", spec, err)
	}
	return s, nil
}

// Start 启动周期清理。
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop 停止清理并等待进行中的清理完成。
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries 返回已注册的任务数量。
func (s *Sweeper) Entries() int {
	return len(s.cron.Entries())
}
