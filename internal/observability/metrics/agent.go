package metrics

import (
	"net/http"
	"strconv"
	"time"
)

var (
	httpRequests = newCounterVec("agentcore_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code")
	httpErrors = newCounterVec("agentcore_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method")
	httpLatency = newHistogramVec("agentcore_http_request_duration_seconds",
		"HTTP request duration in seconds.", defaultBuckets, "handler", "method")

	turns = newCounterVec("agentcore_turns_total",
		"Total number of processed turns by outcome.", "outcome")
	rejections = newCounterVec("agentcore_validation_rejections_total",
		"Tool actions rejected by the validator.", "tool", "stage")
	toolExecutions = newCounterVec("agentcore_tool_executions_total",
		"Tool executions by outcome.", "tool", "outcome")
	toolLatency = newHistogramVec("agentcore_tool_duration_seconds",
		"Tool execution duration in seconds.", defaultBuckets, "tool")
	turnJobs = newCounterVec("agentcore_turn_jobs_total",
		"Asynchronous turn jobs by processing stage.", "stage")

	activeSessions = newGaugeFunc("agentcore_active_sessions",
		"Number of live conversation sessions.")
)

// ObserveHTTPRequest 记录一次 HTTP 请求，5xx 额外计入错误数。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}

// ObserveTurn 记录一次对话轮次的结果（executed、awaiting_confirmation、rejected 等）。
func ObserveTurn(outcome string) {
	turns.inc(outcome)
}

// ObserveValidationRejection 记录一次动作校验拒绝，stage 标识失败的校验阶段。
func ObserveValidationRejection(tool, stage string) {
	rejections.inc(tool, stage)
}

func ObserveToolExecution(tool string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	toolExecutions.inc(tool, outcome)
	toolLatency.observe(duration.Seconds(), tool)
}

// ObserveTurnJob 记录异步轮次的处理阶段：succeeded、retry、terminal、degraded、skipped。
func ObserveTurnJob(stage string) {
	turnJobs.inc(stage)
}

// RegisterSessionGauge 注册活跃会话数的读取函数，传 nil 取消。
func RegisterSessionGauge(fn func() int) {
	activeSessions.set(fn)
}
