package container

import (
	"bufio"
	"io"
	"strings"

	"github.com/cuemby/vm/pkg/provider"
)

// ProgressKind, ProgressEvent and ProgressSummary alias the provider
// package's types so this file's line-classification logic can build the
// same values RunProvisioning returns to callers through the Provisioner
// interface, without a second definition to keep in sync.
type (
	ProgressKind    = provider.ProgressKind
	ProgressEvent   = provider.ProgressEvent
	ProgressSummary = provider.ProgressSummary
)

const (
	ProgressOther   = provider.ProgressOther
	ProgressTask    = provider.ProgressTask
	ProgressOK      = provider.ProgressOK
	ProgressChanged = provider.ProgressChanged
	ProgressFailed  = provider.ProgressFailed
)

// classifyLine maps one line of ansible-playbook-style output to a
// ProgressKind, the same TASK/ok/changed/failed vocabulary the textual
// spec calls out for driving a progress bar.
func classifyLine(line string) ProgressEvent {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "TASK ["):
		name := trimmed[len("TASK ["):]
		if i := strings.IndexByte(name, ']'); i >= 0 {
			name = name[:i]
		}
		return ProgressEvent{Kind: ProgressTask, Line: line, Task: name}
	case strings.HasPrefix(trimmed, "ok:"):
		return ProgressEvent{Kind: ProgressOK, Line: line}
	case strings.HasPrefix(trimmed, "changed:"):
		return ProgressEvent{Kind: ProgressChanged, Line: line}
	case strings.HasPrefix(trimmed, "failed:"):
		return ProgressEvent{Kind: ProgressFailed, Line: line}
	default:
		return ProgressEvent{Kind: ProgressOther, Line: line}
	}
}

// streamProgress reads r line by line, classifying each with classifyLine
// and invoking onEvent, then returns the run's tallied summary. A nil
// onEvent is valid -- the caller may only want the final summary.
func streamProgress(r io.Reader, onEvent func(ProgressEvent)) ProgressSummary {
	var summary ProgressSummary
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ev := classifyLine(scanner.Text())
		switch ev.Kind {
		case ProgressTask:
			summary.Tasks++
		case ProgressOK:
			summary.OK++
		case ProgressChanged:
			summary.Changed++
		case ProgressFailed:
			summary.Failed++
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return summary
}
