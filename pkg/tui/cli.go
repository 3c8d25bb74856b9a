// Package tui renders progress and run summaries on the terminal.
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
)

// Progress receives advisory progress updates for one dataset at a time.
// total is -1 when the row count is unknown.
type Progress interface {
	Begin(dataset string, total int64)
	Report(processed, total int64)
	End(err error)
}

// Bar renders progress with a terminal progress bar.
type Bar struct {
	w       io.Writer
	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	total   int64
	dataset string
}

// NewBar creates a Bar writing to w (usually stderr).
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Begin starts a bar for a dataset.
func (b *Bar) Begin(dataset string, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataset = dataset
	b.total = total
	b.bar = newProgressBar(b.w, total, dataset)
}

// Report moves the bar to processed rows.
func (b *Bar) Report(processed, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	if total != b.total && total > 0 {
		b.total = total
		b.bar.ChangeMax64(total)
	}
	if b.total > 0 && processed > b.total {
		// estimate undercounted; keep the bar honest
		b.total = processed
		b.bar.ChangeMax64(processed)
	}
	_ = b.bar.Set64(processed)
}

// End closes the bar.
func (b *Bar) End(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	b.bar = nil
	if err != nil {
		fmt.Fprintf(b.w, "\n  %s %s\n", accentStyle.Render("✗"), b.dataset)
	}
}

// newProgressBar creates a row-count bar; a negative total gives an
// unbounded spinner with a counter.
func newProgressBar(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

type nop struct{}

func (nop) Begin(string, int64) {}
func (nop) Report(int64, int64) {}
func (nop) End(error)           {}

// Nop returns a Progress that discards updates.
func Nop() Progress { return nop{} }

// DatasetSummary is one line of the run summary.
type DatasetSummary struct {
	Dataset     string
	State       string
	Estimated   int64
	Rows        int64
	Batches     int
	ParseErrors int64
	Duration    time.Duration
	Err         error
}

// PrintSummary prints per-dataset results after a run.
func PrintSummary(w io.Writer, rows []DatasetSummary) {
	fmt.Fprintln(w)
	failed := 0
	for _, r := range rows {
		if r.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		fmt.Fprintln(w, successStyle.Render("  ✓ LOAD COMPLETE"))
	} else {
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ✗ %d OF %d DATASETS FAILED", failed, len(rows))))
	}
	fmt.Fprintln(w)

	for _, r := range rows {
		mark := successStyle.Render("✓")
		if r.Err != nil {
			mark = accentStyle.Render("✗")
		}
		line := fmt.Sprintf("  %s %s %s %s",
			mark,
			titleStyle.Render(padRight(r.Dataset, 12)),
			mutedStyle.Render(padRight(r.State, 10)),
			fmt.Sprintf("%s rows in %d batches", formatNumber(r.Rows), r.Batches))
		if r.ParseErrors > 0 {
			line += mutedStyle.Render(fmt.Sprintf(", %s nulled fields", formatNumber(r.ParseErrors)))
		}
		if r.Duration > 0 {
			line += mutedStyle.Render(fmt.Sprintf(" (%s, %s rows/sec)",
				formatDuration(r.Duration), formatNumber(int64(float64(r.Rows)/r.Duration.Seconds()))))
		}
		fmt.Fprintln(w, line)
		if r.Err != nil {
			fmt.Fprintf(w, "      %s\n", accentStyle.Render(r.Err.Error()))
		}
	}
	fmt.Fprintln(w)
}

// PrintTable prints a titled two-column listing.
func PrintTable(w io.Writer, title string, rows [][2]string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, accentStyle.Render("▸ "+strings.ToUpper(title)))
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(padRight(r[0], width)), titleStyle.Render(r[1]))
	}
	fmt.Fprintln(w)
}

// MapRows converts a map into sorted table rows.
func MapRows(m map[string]string) [][2]string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][2]string, len(keys))
	for i, k := range keys {
		rows[i] = [2]string{k, m[k]}
	}
	return rows
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// FormatBytes formats a byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
