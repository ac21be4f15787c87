package protocol

import "time"

// Version is the only envelope version this build speaks.
const Version = 1

// ExtractRequest is written to the stdin of an extraction child: either a
// `siphon worker extract` process handling a whole file group or an
// extractor plugin handling one extractor.
type ExtractRequest struct {
	Protocol   int                       `json:"protocol"`
	GroupID    string                    `json:"group_id"`
	Files      []string                  `json:"files"`
	Extractors []string                  `json:"extractors"`
	Params     map[string]map[string]any `json:"params,omitempty"` // keyed by extractor name
	BaseURL    string                    `json:"base_url,omitempty"`
	Root       string                    `json:"root,omitempty"`
	ScratchDir string                    `json:"scratch_dir,omitempty"`
	DeadlineAt time.Time                 `json:"deadline_at"`
}

// ExtractResponse is read from the stdout of an extraction child. Plugins
// return either Record (one metadata record for the group) or Records (one
// per row/entry); group workers always return Records.
type ExtractResponse struct {
	Status  string           `json:"status"` // ok | error
	Error   string           `json:"error,omitempty"`
	Record  map[string]any   `json:"record,omitempty"`
	Records []map[string]any `json:"records,omitempty"`
	Logs    []LogEntry       `json:"logs,omitempty"`
}

// WorkerRequest hands one submission from the dispatcher to a submission
// worker process.
type WorkerRequest struct {
	Protocol   int        `json:"protocol"`
	ItemID     string     `json:"item_id"`
	Submission Submission `json:"submission"`
}

// Submission is the work item payload.
type Submission struct {
	SourceID string         `json:"source_id"`
	OwnerID  string         `json:"owner_id"`
	Location string         `json:"location"`
	Dataset  map[string]any `json:"dataset,omitempty"`
	ACL      []string       `json:"acl,omitempty"`
	Test     bool           `json:"test,omitempty"`
	Curation bool           `json:"curation,omitempty"`
	// Services names the optional publication steps to run, by step key.
	Services []string       `json:"services,omitempty"`
}

// LogEntry represents a log message from a child.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
