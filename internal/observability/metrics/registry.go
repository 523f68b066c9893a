package metrics

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// family 是一组同名指标，按 Prometheus 文本格式输出。
type family interface {
	writeTo(w io.Writer)
}

var (
	familiesMu sync.Mutex
	families   []family
)

func register[F family](f F) F {
	familiesMu.Lock()
	families = append(families, f)
	familiesMu.Unlock()
	return f
}

// Handler 以 Prometheus text exposition 格式输出全部已注册指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		familiesMu.Lock()
		snapshot := slices.Clone(families)
		familiesMu.Unlock()

		var b strings.Builder
		for _, f := range snapshot {
			f.writeTo(&b)
		}
		_, _ = io.WriteString(w, b.String())
	})
}

// labelKey 用不可见分隔符拼接标签值，同时作为排序键。
func labelKey(values []string) string {
	return strings.Join(values, "\xff")
}

func writeHeader(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// formatLabels 输出 {a="x",b="y"}，extra 追加在末尾（直方图的 le）。
func formatLabels(names, values []string, extra ...string) string {
	if len(names) == 0 && len(extra) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(names)+len(extra)/2)
	for i, name := range names {
		pairs = append(pairs, name+`="`+escape(values[i])+`"`)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+`="`+escape(extra[i+1])+`"`)
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

type counterVec struct {
	name, help string
	labels     []string

	mu     sync.Mutex
	series map[string]*counterSeries
}

type counterSeries struct {
	values []string
	count  uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return register(&counterVec{name: name, help: help, labels: labels, series: make(map[string]*counterSeries)})
}

func (c *counterVec) inc(values ...string) {
	key := labelKey(values)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.series[key]
	if s == nil {
		s = &counterSeries{values: slices.Clone(values)}
		c.series[key] = s
	}
	s.count++
}

func (c *counterVec) writeTo(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeHeader(w, c.name, c.help, "counter")
	for _, key := range sortedKeys(c.series) {
		s := c.series[key]
		fmt.Fprintf(w, "%s%s %d\n", c.name, formatLabels(c.labels, s.values), s.count)
	}
}

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

// observe 累加所有上界不小于 value 的桶；超过最大上界的值只计入 +Inf。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	idx, _ := slices.BinarySearch(h.buckets, value)
	for i := idx; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

type histogramVec struct {
	name, help string
	labels     []string
	buckets    []float64

	mu     sync.Mutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	values []string
	*histogram
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *histogramVec {
	return register(&histogramVec{name: name, help: help, labels: labels, buckets: buckets, series: make(map[string]*histogramSeries)})
}

func (h *histogramVec) observe(value float64, values ...string) {
	key := labelKey(values)
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.series[key]
	if s == nil {
		s = &histogramSeries{values: slices.Clone(values), histogram: newHistogram(h.buckets)}
		h.series[key] = s
	}
	s.observe(value)
}

func (h *histogramVec) writeTo(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeHeader(w, h.name, h.help, "histogram")
	for _, key := range sortedKeys(h.series) {
		s := h.series[key]
		for i, bound := range s.buckets {
			fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(h.labels, s.values, "le", formatFloat(bound)), s.counts[i])
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(h.labels, s.values, "le", "+Inf"), s.count)
		fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels, s.values), formatFloat(s.sum))
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels, s.values), s.count)
	}
}

// gaugeFunc 在抓取时读取当前值，未设置读取函数时不输出。
type gaugeFunc struct {
	name, help string

	mu sync.Mutex
	fn func() int
}

func newGaugeFunc(name, help string) *gaugeFunc {
	return register(&gaugeFunc{name: name, help: help})
}

func (g *gaugeFunc) set(fn func() int) {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
}

func (g *gaugeFunc) writeTo(w io.Writer) {
	g.mu.Lock()
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return
	}
	writeHeader(w, g.name, g.help, "gauge")
	fmt.Fprintf(w, "%s %d\n", g.name, fn())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "").Replace(value)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
