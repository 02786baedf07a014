package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ashureev/flipside/internal/client"
	"github.com/ashureev/flipside/internal/domain"
)

// renderer prints stream events and results to a terminal.
type renderer struct {
	w io.Writer
}

func (r renderer) event(ev domain.Event) {
	switch e := ev.(type) {
	case domain.AgentStatusEvent:
		progress := ""
		if e.Progress != nil {
			progress = color.HiBlackString(" %3d%%", *e.Progress)
		}
		fmt.Fprintf(r.w, "%s %-12s %s%s\n", agentIcon(e.Status), e.AgentID, e.Message, progress)
	case domain.PanelUpdateEvent:
		fmt.Fprintf(r.w, "%s panel %s ready\n", color.CyanString("▣"), color.CyanString(string(e.Panel)))
	case domain.CompleteEvent:
		fmt.Fprintln(r.w, color.GreenString("✓ analysis complete"))
	case domain.ErrorEvent:
		fmt.Fprintf(r.w, "%s %s: %s\n", color.RedString("✗"), e.Code, e.Message)
	}
}

func agentIcon(s domain.AgentStatus) string {
	switch s {
	case domain.AgentDone:
		return color.GreenString("✓")
	case domain.AgentError:
		return color.RedString("✗")
	case domain.AgentIdle:
		return color.HiBlackString("·")
	default:
		return color.YellowString("…")
	}
}

func (r renderer) result(res client.Result) {
	fmt.Fprintf(r.w, "%s %s\n", color.HiBlackString("session"), res.SessionID)
	switch res.Status {
	case domain.StatusDone:
		fmt.Fprintf(r.w, "%s %s\n", color.HiBlackString("status "), color.GreenString(string(res.Status)))
		r.json(res.Result)
	case domain.StatusError:
		fmt.Fprintf(r.w, "%s %s\n", color.HiBlackString("status "), color.RedString(string(res.Status)))
		if res.Error != nil {
			fmt.Fprintf(r.w, "%s %s: %s\n", color.HiBlackString("error  "), res.Error.Code, res.Error.Message)
		}
	default:
		fmt.Fprintf(r.w, "%s %s\n", color.HiBlackString("status "), color.YellowString(string(res.Status)))
	}
}

func (r renderer) json(raw []byte) {
	if len(raw) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(r.w, string(raw))
		return
	}
	fmt.Fprintln(r.w, buf.String())
}

func (r renderer) assistant(text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(r.w, "%s %s\n", color.MagentaString("socrates ›"), line)
	}
}

func (r renderer) mindShift(ms *domain.MindShift) {
	if ms == nil {
		return
	}
	dir := string(ms.Direction)
	switch ms.Direction {
	case domain.ShiftStrengthened:
		dir = color.GreenString(dir)
	case domain.ShiftWeakened:
		dir = color.RedString(dir)
	}
	fmt.Fprintf(r.w, "\nmind shift: %d → %d (%+d, %s)\n", ms.Before, ms.After, ms.Change, dir)
}
