package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/craftkit/internal/tablewriter"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/snapshot"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

var (
	mutedStyle   = color.New(color.FgHiBlack)
	activeStyle  = color.New(color.FgCyan)
	successStyle = color.New(color.FgGreen)
	warningStyle = color.New(color.FgYellow, color.Bold)
	failureStyle = color.New(color.FgRed, color.Bold)
	headerStyle  = color.New(color.FgCyan, color.Bold)
)

const (
	bullet    = "•"
	arrow     = "→"
	checkmark = "✓"
	xmark     = "✗"
	hourglass = "⏳"
)

// promptWidth is the widest prompt shown in the generations table.
const promptWidth = 48

// renderer prints node transitions as they happen.
type renderer struct {
	out   io.Writer
	model *node.Model
}

func newRenderer(out io.Writer, model *node.Model) *renderer {
	return &renderer{out: out, model: model}
}

// consume prints transitions until the channel is closed. When the
// subscription fell behind, the current state of the generation is printed
// instead of the transition.
func (r *renderer) consume(transitions <-chan node.Transition) {
	for t := range transitions {
		if t.Missed > 0 && r.model != nil {
			r.resync(t)
			continue
		}
		fmt.Fprintln(r.out, formatTransition(t))
	}
}

func (r *renderer) resync(t node.Transition) {
	key := generationKey(t.Record)
	fmt.Fprintln(r.out, mutedStyle.Sprintf("[%s] %d updates missed, current state:", shortID(key), t.Missed))
	for _, rec := range r.model.Snapshot(key).Records {
		fmt.Fprintf(r.out, "%s   %s %s\n", mutedStyle.Sprintf("[%s]", shortID(key)), nodeLabel(rec), statusCell(rec.Status))
	}
}

func formatTransition(t node.Transition) string {
	rec := t.Record
	prefix := mutedStyle.Sprintf("[%s]", shortID(generationKey(rec)))
	label := nodeLabel(rec)

	var line string
	switch t.Type {
	case node.EventTypeCreated:
		line = mutedStyle.Sprintf("%s %s queued", bullet, label)
	case node.EventTypeDispatched:
		line = activeStyle.Sprintf("%s %s generating", hourglass, label)
	case node.EventTypeSucceeded:
		line = successStyle.Sprintf("%s %s done", checkmark, label)
	case node.EventTypeFailed:
		line = failureStyle.Sprintf("%s %s failed (%s): %s", xmark, label, rec.ErrorKind, rec.Error)
	case node.EventTypeRearmed:
		line = warningStyle.Sprintf("%s %s retry #%d", arrow, label, rec.RetryCount)
	case node.EventTypeAnalysisStarted:
		line = activeStyle.Sprintf("%s %s analyzing", hourglass, label)
	case node.EventTypeAnalysisFailed:
		kind, msg := node.ErrorKind(""), ""
		if rec.Analysis != nil {
			kind, msg = rec.Analysis.ErrorKind, rec.Analysis.Error
		}
		line = failureStyle.Sprintf("%s %s analysis failed (%s): %s", xmark, label, kind, msg)
	case node.EventTypeAnalysisCompleted:
		line = successStyle.Sprintf("%s %s analyzed", checkmark, label)
	default:
		line = fmt.Sprintf("%s %s", t.Type, label)
	}
	return prefix + " " + line
}

// generationKey groups records of one generation under the master id.
func generationKey(rec node.Record) string {
	if rec.ParentID != "" {
		return rec.ParentID
	}
	return rec.ID
}

func nodeLabel(rec node.Record) string {
	switch rec.Kind {
	case node.KindStep:
		if rec.Step == nil {
			return "step"
		}
		if rec.Step.Title == "" {
			return fmt.Sprintf("step %d", rec.Step.Number)
		}
		return fmt.Sprintf("step %d (%s)", rec.Step.Number, rec.Step.Title)
	default:
		return string(rec.Kind)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusCell(status node.Status) string {
	switch status {
	case node.StatusSucceeded:
		return successStyle.Sprint(status)
	case node.StatusFailed:
		return failureStyle.Sprint(status)
	case node.StatusInFlight:
		return activeStyle.Sprint(status)
	default:
		return mutedStyle.Sprint(status)
	}
}

// renderSummary prints one row per node of every generation, followed by
// where the outputs were written.
func renderSummary(out io.Writer, model *node.Model, results []*result) {
	tbl := tablewriter.New(out, "Generation", "Node", "Status", "Retries", "Detail")
	for _, res := range results {
		if res == nil || res.gen == nil {
			continue
		}
		master, err := model.Get(res.gen.MasterID)
		if err != nil {
			continue
		}
		records := append([]node.Record{master}, model.Children(master.ID)...)
		for _, rec := range records {
			tbl.Row(shortID(res.gen.ID), nodeLabel(rec), statusCell(rec.Status), strconv.Itoa(rec.RetryCount), recordDetail(rec))
		}
	}
	if tbl.Len() == 0 {
		return
	}
	fmt.Fprintln(out)
	tbl.Render()

	for _, res := range results {
		if res == nil || len(res.files) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s %d files saved to %s\n", headerStyle.Sprint(checkmark), len(res.files), res.dir)
	}
}

func recordDetail(rec node.Record) string {
	switch {
	case rec.Status == node.StatusFailed:
		return fmt.Sprintf("%s: %s", rec.ErrorKind, rec.Error)
	case rec.Analysis != nil && rec.Analysis.Status == node.AnalysisFailed:
		return fmt.Sprintf("analysis %s: %s", rec.Analysis.ErrorKind, rec.Analysis.Error)
	case rec.Kind == node.KindMaterials && rec.Payload != nil:
		return fmt.Sprintf("%d materials", len(rec.Payload.Materials))
	}
	return ""
}

// renderGenerations prints the saved generations, newest first.
func renderGenerations(out io.Writer, gens []*snapshot.Generation) {
	tbl := tablewriter.New(out, "ID", "Prompt", "Category", "Nodes", "Failed", "Updated")
	for _, gen := range gens {
		failed := 0
		for _, rec := range gen.Nodes.Records {
			if rec.Status == node.StatusFailed {
				failed++
			}
		}
		tbl.Row(
			gen.ID,
			runewidth.Truncate(gen.Prompt, promptWidth, "…"),
			gen.Category,
			strconv.Itoa(len(gen.Nodes.Records)),
			strconv.Itoa(failed),
			gen.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	tbl.Render()
}
