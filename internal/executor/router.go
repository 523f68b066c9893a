package executor

import (
	"context"
	"fmt"
	"sync"

	"agent-core/internal/agent"
	"agent-core/internal/policy"
)

var webTools = []policy.ToolName{
	policy.ToolWebSearch,
	policy.ToolWebFetch,
	policy.ToolBrowserNavigate,
	policy.ToolBrowserClick,
	policy.ToolBrowserType,
}

var systemTools = []policy.ToolName{
	policy.ToolFileRead,
	policy.ToolFileWrite,
	policy.ToolFileList,
	policy.ToolSystemCommand,
}

// Router 按工具名把动作分发到对应的执行端。
type Router struct {
	mu    sync.RWMutex
	sinks map[policy.ToolName]Sink
}

var _ Sink = (*Router)(nil)

// NewRouter 创建路由器，web 负责网页与浏览器工具，tools 负责文件与系统工具。
// 任一参数为 nil 时对应工具保持未注册。
func NewRouter(web, tools Sink) *Router {
	r := &Router{sinks: make(map[policy.ToolName]Sink)}
	if web != nil {
		for _, tool := range webTools {
			r.sinks[tool] = web
		}
	}
	if tools != nil {
		for _, tool := range systemTools {
			r.sinks[tool] = tools
		}
	}
	return r
}

// Register 为单个工具指定执行端。
func (r *Router) Register(tool policy.ToolName, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink == nil {
		delete(r.sinks, tool)
		return
	}
	r.sinks[tool] = sink
}

// Route 返回工具对应的执行端。
func (r *Router) Route(tool policy.ToolName) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[tool]
	return sink, ok
}

// Execute 实现 Sink；未注册的工具返回失败结果。
func (r *Router) Execute(ctx context.Context, tool policy.ToolName, params map[string]any) (result agent.ToolActionResult) {
	sink, ok := r.Route(tool)
	if !ok {
		return agent.FailedResult(tool, "Unknown service for tool: %s", tool)
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = agent.FailedResult(tool, "%s", fmt.Sprint(rec))
		}
	}()
	result = sink.Execute(ctx, tool, params)
	result.Tool = tool
	return result
}
