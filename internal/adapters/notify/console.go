package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/expgov/internal/application/insights"
	"github.com/alejandrodnm/expgov/internal/domain"
)

// Console implementa ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
	now   func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
// Con table=false los ticks se imprimen en una línea compacta.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table, now: time.Now}
}

// NotifyTicks imprime el resultado de los ticks en el modo configurado.
func (c *Console) NotifyTicks(_ context.Context, results []domain.TickResult) error {
	if len(results) == 0 {
		fmt.Fprintf(c.out, "[%s] no running experiments\n", c.now().Format("15:04:05"))
		return nil
	}
	if c.table {
		c.printTickTable(results)
	} else {
		c.printTickCompact(results)
	}
	return nil
}

// printTickCompact imprime una línea con los conteos por acción y las decisiones terminales.
func (c *Console) printTickCompact(results []domain.TickResult) {
	counts := map[domain.Action]int{}
	skipped := 0
	for _, r := range results {
		if r.Skipped || r.Decision == nil {
			skipped++
			continue
		}
		counts[r.Decision.Action]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d exps → W:%d I:%d S:%d K:%d X:%d",
		c.now().Format("15:04:05"), len(results),
		counts[domain.ActionWait], counts[domain.ActionIterate], counts[domain.ActionScale],
		counts[domain.ActionKill], counts[domain.ActionStop])
	if skipped > 0 {
		fmt.Fprintf(&sb, " skip:%d", skipped)
	}

	shown := 0
	for _, r := range results {
		if shown >= 4 {
			break
		}
		if r.Decision == nil || !r.Decision.Action.IsTerminal() {
			continue
		}
		fmt.Fprintf(&sb, " | %s %s %s", compactName(experimentLabel(r), 25), r.Decision.Action, targetLabel(*r.Decision))
		shown++
	}
	fmt.Fprintln(c.out, sb.String())
}

// printTickTable imprime una fila por experimento con la decisión tomada.
func (c *Console) printTickTable(results []domain.TickResult) {
	fmt.Fprintf(c.out, "\n[%s] %d experiments ticked\n", c.now().Format("15:04:05"), len(results))

	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Experiment", "Action", "Variant", "Improv", "Reason", "Done")
	for i, r := range results {
		if r.Skipped || r.Decision == nil {
			table.Append(fmt.Sprintf("%d", i+1), truncate(experimentLabel(r), 32), "SKIPPED", "-", "-", r.Reason, "-")
			continue
		}
		d := r.Decision
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(experimentLabel(r), 32),
			string(d.Action),
			targetLabel(*d),
			improvementLabel(d.Improvement),
			truncate(d.Reason, 40),
			yesNo(r.Completed),
		)
	}
	table.Render()

	fmt.Fprintln(c.out, "  Action: WAIT=datos insuficientes | ITERATE=sin ganador | SCALE/KILL/STOP completan el experimento")
}

// PrintTickDetail imprime un tick con las métricas de cada variante.
func (c *Console) PrintTickDetail(r domain.TickResult) {
	fmt.Fprintf(c.out, "\n=== %s ===\n", experimentLabel(r))
	if r.Skipped || r.Decision == nil {
		fmt.Fprintf(c.out, "  skipped: %s\n", r.Reason)
		return
	}
	c.printVariantTable(r.Results)

	d := r.Decision
	fmt.Fprintf(c.out, "  Decision:    %s %s (%s)\n", d.Action, targetLabel(*d), d.Reason)
	fmt.Fprintf(c.out, "  Improvement: %s\n", improvementLabel(d.Improvement))
	if d.ScaleFactor > 0 {
		fmt.Fprintf(c.out, "  Scale:       x%.2f\n", d.ScaleFactor)
	}
	fmt.Fprintf(c.out, "  Run:         %s\n", r.RunID)
	fmt.Fprintf(c.out, "  Fingerprint: %s\n", shortHash(r.Fingerprint))
	if r.Completed {
		fmt.Fprintln(c.out, "  Status:      COMPLETED")
	}
}

func (c *Console) printVariantTable(results []domain.VariantResult) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Variant", "Alloc%", "Entity", "Impr", "Clicks", "Conv", "Spend", "CTR", "CPA", "Days")
	for _, v := range results {
		entity := v.MetaEntityID
		if entity == "" {
			entity = "-"
		}
		if v.Metrics == nil {
			note := "no data"
			if v.DataError != "" {
				note = "error"
			}
			table.Append(v.VariantID, fmt.Sprintf("%.0f", v.AllocationPercent), entity, note, "-", "-", "-", "-", "-", "-")
			continue
		}
		m := v.Metrics
		table.Append(
			v.VariantID,
			fmt.Sprintf("%.0f", v.AllocationPercent),
			entity,
			fmt.Sprintf("%d", m.Impressions),
			fmt.Sprintf("%d", m.Clicks),
			fmt.Sprintf("%d", m.Conversions),
			fmt.Sprintf("%.2f", m.Spend),
			fmt.Sprintf("%.2f%%", m.CTR*100),
			cpaLabel(m.CPA),
			fmt.Sprintf("%d", m.Days),
		)
	}
	table.Render()
}

// PrintRuns imprime el historial de runs de un experimento, más antiguo primero.
func (c *Console) PrintRuns(exp domain.Experiment, runs []domain.ExperimentRun) {
	fmt.Fprintf(c.out, "\n========================================================\n")
	fmt.Fprintf(c.out, "  EXPERIMENT %s\n", exp.ID)
	fmt.Fprintf(c.out, "  %s | %s | metric %s\n", exp.Name, exp.Status, exp.Rules.PrimaryMetric)
	if exp.StartedAt != nil {
		fmt.Fprintf(c.out, "  started %s", exp.StartedAt.UTC().Format("2006-01-02 15:04"))
		if exp.EndedAt != nil {
			fmt.Fprintf(c.out, " → ended %s", exp.EndedAt.UTC().Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(c.out)
	}
	fmt.Fprintf(c.out, "========================================================\n\n")

	if len(runs) == 0 {
		fmt.Fprintln(c.out, "  No runs yet. Start the experiment and run a tick.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("When", "Action", "Variant", "Improv", "Reason", "Ready")
	for _, run := range runs {
		ready := 0
		for _, r := range run.Results {
			if r.Metrics != nil {
				ready++
			}
		}
		table.Append(
			run.CreatedAt.UTC().Format("01-02 15:04"),
			run.Status,
			targetLabel(run.Decision),
			improvementLabel(run.Decision.Improvement),
			truncate(run.Decision.Reason, 40),
			fmt.Sprintf("%d/%d", ready, len(run.Results)),
		)
	}
	table.Render()

	last := runs[len(runs)-1]
	fmt.Fprintln(c.out, "\n── LATEST METRICS ──")
	c.printVariantTable(last.Results)
}

// PrintDecisions imprime el ledger de decisiones de un proyecto.
func (c *Console) PrintDecisions(projectID string, logs []domain.DecisionLog) {
	fmt.Fprintf(c.out, "\n── DECISIONS %s (%d) ──\n", projectID, len(logs))
	if len(logs) == 0 {
		fmt.Fprintln(c.out, "  No decisions recorded.")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("When", "Type", "Summary", "Model", "By", "Hash")
	for _, l := range logs {
		by := l.CreatedByAgent
		if l.CreatedByUserID != "" {
			by = l.CreatedByUserID
		}
		table.Append(
			l.CreatedAt.UTC().Format("01-02 15:04"),
			l.DecisionType,
			truncate(decisionSummary(l.Decision), 40),
			l.Model,
			by,
			shortHash(l.Fingerprint),
		)
	}
	table.Render()
}

// PrintEvaluation imprime el resultado de una evaluación de significancia.
func (c *Console) PrintEvaluation(r domain.EvaluationResult) {
	fmt.Fprintf(c.out, "\n=== SIGNIFICANCE %s ===\n", r.ExperimentID)
	table := tablewriter.NewWriter(c.out)
	table.Header("Arm", "Variant", "Impr", "Clicks", "Conv")
	for _, arm := range []struct {
		name string
		s    domain.ArmSample
	}{{"a", r.Variants.A}, {"b", r.Variants.B}} {
		table.Append(
			arm.name,
			arm.s.VariantID,
			fmt.Sprintf("%d", arm.s.Impressions),
			fmt.Sprintf("%d", arm.s.Clicks),
			fmt.Sprintf("%d", arm.s.Conversions),
		)
	}
	table.Render()

	winner := "none"
	if r.WinnerVariantID != "" {
		winner = r.WinnerVariantID
	}
	fmt.Fprintf(c.out, "  Winner:     %s (confidence %.2f%%)\n", winner, r.Confidence)
	fmt.Fprintf(c.out, "  %s\n", r.Recommendation)
	if r.Completed {
		fmt.Fprintln(c.out, "  Status:     COMPLETED")
	}
}

// PrintSync imprime el resumen de un sync de insights.
func (c *Console) PrintSync(r insights.SyncReport) {
	fmt.Fprintf(c.out, "[%s] synced %d rows for %d entities", c.now().Format("15:04:05"), r.Stored, r.Entities)
	if len(r.Errors) > 0 {
		fmt.Fprintf(c.out, " (%d errors)", len(r.Errors))
	}
	fmt.Fprintln(c.out)
	for i, e := range r.Errors {
		if i >= 5 {
			fmt.Fprintf(c.out, "  >> ... %d more\n", len(r.Errors)-i)
			break
		}
		fmt.Fprintf(c.out, "  >> %s\n", e)
	}
}

func experimentLabel(r domain.TickResult) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ExperimentID
}

// targetLabel es la variante sobre la que actúa la decisión, o la líder.
func targetLabel(d domain.Decision) string {
	switch {
	case d.VariantID != "":
		return d.VariantID
	case d.LeadingVariant != "":
		return "(" + d.LeadingVariant + ")"
	}
	return "-"
}

func improvementLabel(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%+.1f%%", *p)
}

func cpaLabel(cpa *float64) string {
	if cpa == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *cpa)
}

// decisionSummary resume el payload de un decision log para la tabla.
func decisionSummary(raw json.RawMessage) string {
	var d struct {
		Action          string  `json:"action"`
		Reason          string  `json:"reason"`
		WinnerVariantID string  `json:"winnerVariantId"`
		Confidence      float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return "?"
	}
	if d.Action != "" {
		return d.Action + ": " + d.Reason
	}
	if d.WinnerVariantID != "" {
		return fmt.Sprintf("winner %s (%.1f%%)", d.WinnerVariantID, d.Confidence)
	}
	return fmt.Sprintf("no winner (%.1f%%)", d.Confidence)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func compactName(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
