// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/nitin-ppnp/GPLVM-sub002/pkg/ml/optimizers"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks attached by AttachProgressBar.
const ProgressBarName = "ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	interactive      bool
	bar              *progressbar.ProgressBar
	suffix           string
	lastIteration    int
	extraMetricFns   []ExtraMetricFn
	isFirstOutput    bool
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// Write implements io.Writer, and appends the current suffix with the stats to each line.
// It is the writer of the enclosed progressbar.ProgressBar, so the bar and its suffix are written at once.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	if _, err = io.WriteString(pBar.out, pBar.suffix); err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(p *optimizers.Progress) error {
	pBar.lastIteration = p.Iteration
	pBar.bar = progressbar.NewOptions(p.MaxIterations,
		progressbar.OptionSetDescription(fmt.Sprintf("%-6s [bold]", p.Optimizer)),
		progressbar.OptionUseANSICodes(pBar.interactive),
		progressbar.OptionEnableColorCodes(pBar.interactive),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

// rows returns the stats table rows for the current progress.
func (pBar *progressBar) rows(p *optimizers.Progress) [][2]string {
	rows := [][2]string{
		{"Iteration", fmt.Sprintf("%s of %s", humanize.Comma(int64(p.Iteration)), humanize.Comma(int64(p.MaxIterations)))},
		{"Evaluations", humanize.Comma(int64(p.Evaluations))},
		{"Objective", humanize.FtoaWithDigits(p.Value, 8)},
		{"|Gradient|", fmt.Sprintf("%.4g", p.GradientNorm)},
		{"Elapsed", FormatDuration(p.Elapsed())},
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

func (pBar *progressBar) onIteration(p *optimizers.Progress) error {
	amount := p.Iteration - pBar.lastIteration
	if amount <= 0 || pBar.bar.IsFinished() {
		return nil
	}
	pBar.lastIteration = p.Iteration
	rows := pBar.rows(p)
	if !pBar.interactive {
		// Plain output: the stats are a suffix written along with the bar, see [progressBar.Write].
		pBar.suffix = ""
		for _, row := range rows[1:] {
			pBar.suffix += fmt.Sprintf(" [%s=%s]", row[0], row[1])
		}
		pBar.suffix += "\n"
		_ = pBar.bar.Add(amount)
		return nil
	}
	// Suffix to erase spurious characters from previous prints.
	pBar.suffix = "\033[J"
	pBar.updates <- progressBarUpdate{amount: amount, rows: rows}
	return nil
}

func (pBar *progressBar) onEnd(p *optimizers.Progress, result *optimizers.Result) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, err := fmt.Fprintf(pBar.out, "\n%s: %s\n", p.Optimizer, result)
	return err
}

// drawUpdates asynchronously draws the stats table and the bar: this is handy if the optimization is faster
// than the terminal.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(len(update.rows) + 2 + 2)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar attaches to the optimizer hooks a progress bar printed to stdout, with a table of
// the optimization stats: iterations, evaluations, objective value, gradient norm and elapsed time.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// If stdout is not a terminal, each update is printed in a new line instead.
func AttachProgressBar(hooks *optimizers.Hooks, extraMetrics ...ExtraMetricFn) {
	attachProgressBar(hooks, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()), extraMetrics...)
}

func attachProgressBar(hooks *optimizers.Hooks, out io.Writer, interactive bool, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		interactive:    interactive,
		extraMetricFns: extraMetrics,
	}
	if interactive {
		pBar.isFirstOutput = true
		pBar.termenv = termenv.NewOutput(out)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates()
	}
	hooks.OnStart(ProgressBarName, 0, pBar.onStart)
	hooks.OnIteration(ProgressBarName, 0, pBar.onIteration)
	hooks.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
