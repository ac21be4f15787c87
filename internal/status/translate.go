package status

import (
	"fmt"
	"strings"
)

// Signal is the coarse per-step state shown to submitters.
type Signal string

const (
	SignalSuccess Signal = "success"
	SignalFailure Signal = "failure"
	SignalWarning Signal = "warning"
	SignalStarted Signal = "started"
	SignalIdle    Signal = "idle"
)

// StepSignal is one entry of the structured projection.
type StepSignal struct {
	Step   string `json:"step"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Signal Signal `json:"signal"`
	Text   string `json:"text"`
	Link   string `json:"link,omitempty"`
}

// Transcript is the human-readable rendering of a status.
type Transcript struct {
	SourceID   string       `json:"source_id"`
	Code       string       `json:"code"`
	Active     bool         `json:"active"`
	Cancelled  bool         `json:"cancelled"`
	Lines      []string     `json:"lines"`
	Steps      []StepSignal `json:"steps"`
	Text       string       `json:"text"`
	Complete   bool         `json:"complete"`
	Successful bool         `json:"successful"`
}

// Translate renders the code string and message slots. It only reads.
func Translate(st *Status) Transcript {
	tr := Transcript{
		SourceID:  st.SourceID,
		Code:      st.Code,
		Active:    st.Active,
		Cancelled: st.Cancelled,
	}

	failed := false
	for i := 0; i < NumSteps && i < len(st.Code); i++ {
		step := Step(i)
		code := Code(st.Code[i])
		var msg Message
		if i < len(st.Messages) {
			msg = st.Messages[i]
		}

		line, sig := describe(step, code, msg)
		if code.Fatal() {
			failed = true
		}
		tr.Lines = append(tr.Lines, line)
		entry := StepSignal{
			Step:   step.Key(),
			Name:   step.Description(),
			Code:   code.String(),
			Signal: sig,
			Text:   line,
		}
		if code.CarriesLink() {
			entry.Link = msg.Link
		}
		tr.Steps = append(tr.Steps, entry)
	}

	tr.Complete = !st.Active
	tr.Successful = tr.Complete && !failed && !strings.ContainsRune(st.Code, rune(CodeCancelled))

	var b strings.Builder
	fmt.Fprintf(&b, "Status of submission %s\n", st.SourceID)
	for _, l := range tr.Lines {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	switch {
	case !tr.Complete && st.Cancelled:
		b.WriteString("This submission is being cancelled.\n")
	case !tr.Complete && st.Hibernating:
		b.WriteString("This submission is waiting for curation.\n")
	case !tr.Complete:
		b.WriteString("This submission is still processing.\n")
	case tr.Successful:
		b.WriteString("This submission completed successfully.\n")
	default:
		b.WriteString("This submission is no longer processing.\n")
	}
	tr.Text = b.String()
	return tr
}

func describe(step Step, code Code, msg Message) (string, Signal) {
	name := step.Description()
	switch code {
	case CodeNotStarted:
		return fmt.Sprintf("%s has not started yet.", name), SignalIdle
	case CodeInProgress:
		if msg.Text != "" {
			return fmt.Sprintf("%s is in progress: %s", name, msg.Text), SignalStarted
		}
		return fmt.Sprintf("%s is in progress.", name), SignalStarted
	case CodeSuccess:
		return fmt.Sprintf("%s was successful.", name), SignalSuccess
	case CodeMessage:
		return fmt.Sprintf("%s was successful: %s", name, msg.Text), SignalSuccess
	case CodeLink:
		return fmt.Sprintf("%s was successful: %s (%s)", name, msg.Text, msg.Link), SignalSuccess
	case CodeNoteworthy:
		return fmt.Sprintf("%s completed with notes: %s", name, msg.Text), SignalWarning
	case CodeSkipped:
		return fmt.Sprintf("%s was not requested or required.", name), SignalIdle
	case CodeRecover:
		return fmt.Sprintf("%s failed (the rest of the pipeline continued): %s", name, msg.Text), SignalWarning
	case CodeRetry:
		return fmt.Sprintf("%s is retrying after an error: %s", name, msg.Text), SignalStarted
	case CodeFailed:
		return fmt.Sprintf("%s failed: %s", name, msg.Text), SignalFailure
	case CodeHelp:
		return fmt.Sprintf("%s failed: %s (see %s)", name, msg.Text, msg.Link), SignalFailure
	case CodeCancelled:
		return fmt.Sprintf("%s was cancelled.", name), SignalIdle
	default:
		return fmt.Sprintf("%s is in an unknown state %q.", name, code.String()), SignalWarning
	}
}
