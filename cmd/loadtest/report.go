package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
)

// scenarioMethod — псевдо-метод: весь сценарий целиком.
const scenarioMethod = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// stockVerdict — итог сверки проданного с исходным остатком ячейки.
type stockVerdict struct {
	Checked       bool   `json:"checked"`
	ExpectedStock int    `json:"expected_stock"`
	UnitsSold     int64  `json:"units_sold"`
	SoldOut       int64  `json:"sold_out_rejections"`
	Oversold      bool   `json:"oversold"`
	Undersold     bool   `json:"undersold"`
	Message       string `json:"message,omitempty"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	PlacedOrders      int64                   `json:"placed_orders"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             stockVerdict            `json:"stock"`
}

type callLog struct {
	codes   map[codes.Code]int64
	samples []time.Duration
}

func (l *callLog) calls() int64 { return int64(len(l.samples)) }

func (l *callLog) failed() int64 { return l.calls() - l.codes[codes.OK] }

// collector копит результаты вызовов со всех воркеров.
type collector struct {
	mu       sync.Mutex
	methods  map[string]*callLog
	placed   int64
	soldOut  int64
	failures int64
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*callLog)}
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.methods[method]
	if !ok {
		log = &callLog{codes: make(map[codes.Code]int64)}
		c.methods[method] = log
	}
	log.codes[code]++
	log.samples = append(log.samples, latency)
}

// outcome учитывает итог сценария: размещён, отклонён из-за остатка или сбой.
func (c *collector) outcome(placed, soldOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case placed:
		c.placed++
	case soldOut:
		c.soldOut++
	default:
		c.failures++
	}
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration, cfg config) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		PlacedOrders:    c.placed,
		FailedScenarios: c.failures,
		Methods:         make(map[string]methodReport, len(c.methods)),
		Stock:           evaluateStock(cfg, c.placed, c.soldOut, c.failures),
	}
	for name, log := range c.methods {
		byCode := make(map[string]int64, len(log.codes))
		for code, n := range log.codes {
			byCode[code.String()] = n
		}
		out.Methods[name] = methodReport{
			Calls:     log.calls(),
			Success:   log.codes[codes.OK],
			Failed:    log.failed(),
			ErrorRate: ratio(log.failed(), log.calls()),
			Codes:     byCode,
			LatencyMs: summarize(log.samples),
		}
	}
	if scenario, ok := out.Methods[scenarioMethod]; ok {
		out.TotalScenarios = scenario.Calls
		out.ErrorRate = ratio(c.failures, scenario.Calls)
		out.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		out.RPS = float64(out.TotalScenarios) / elapsed.Seconds()
	}
	return out
}

// evaluateStock сверяет проданное с исходным остатком: продано больше — перепродажа;
// спрос покрывал остаток, а продано меньше без сбоев — недопродажа.
func evaluateStock(cfg config, placed, soldOut, failures int64) stockVerdict {
	verdict := stockVerdict{
		ExpectedStock: cfg.expectStock,
		UnitsSold:     placed * int64(cfg.quantity),
		SoldOut:       soldOut,
	}
	if cfg.expectStock < 0 {
		return verdict
	}
	verdict.Checked = true

	expected := int64(cfg.expectStock)
	demand := (placed + soldOut) * int64(cfg.quantity)
	switch {
	case verdict.UnitsSold > expected:
		verdict.Oversold = true
		verdict.Message = fmt.Sprintf("sold %d units with only %d in stock", verdict.UnitsSold, expected)
	case failures == 0 && demand >= expected && expected-verdict.UnitsSold >= int64(cfg.quantity):
		verdict.Undersold = true
		verdict.Message = fmt.Sprintf("sold %d of %d units while %d requests were rejected", verdict.UnitsSold, expected, soldOut)
	}
	return verdict
}

// summarize переводит выборку в миллисекунды; перцентили — линейная интерполяция.
func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	ms := make([]float64, len(samples))
	var total float64
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
		total += ms[i]
	}
	slices.Sort(ms)
	return latencySummary{
		Min: ms[0],
		Max: ms[len(ms)-1],
		Avg: total / float64(len(ms)),
		P50: quantile(ms, 0.50),
		P95: quantile(ms, 0.95),
		P99: quantile(ms, 0.99),
	}
}

// quantile ожидает отсортированную выборку, q в [0, 1].
func quantile(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo, frac := math.Modf(pos)
	i := int(lo)
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт только внутрь текущего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if clean == "." || !filepath.IsLocal(clean) {
		return fmt.Errorf("report path must name a file inside the working directory: %q", path)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return os.WriteFile(clean, append(data, '\n'), 0o600)
}

func printReport(w io.Writer, result report, cfg config) {
	p := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }

	p("Checkout load test summary\n")
	p("mode=%s product=%s size=%s color=%s total=%d placed=%d sold_out=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.productID, cfg.size, cfg.color,
		result.TotalScenarios, result.PlacedOrders, result.Stock.SoldOut, result.FailedScenarios, result.ErrorRate)
	p("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	lat := result.ScenarioLatencyMs
	p("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max)

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name != scenarioMethod {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		m := result.Methods[name]
		p("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}

	if result.Stock.Checked {
		verdict := "ok"
		if result.Stock.Message != "" {
			verdict = result.Stock.Message
		}
		p("stock check: expected=%d sold=%d verdict=%s\n",
			result.Stock.ExpectedStock, result.Stock.UnitsSold, verdict)
	}
}
