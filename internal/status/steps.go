package status

// Step indexes one pipeline stage in a submission's code string.
type Step int

const (
	StepStart Step = iota
	StepOldCancel
	StepDownload
	StepExtract
	StepCuration
	StepSearch
	StepBackup
	StepPublish
	StepIntegration
	StepRegistry
	StepCleanup

	// NumSteps is the fixed length of every code string.
	NumSteps = int(StepCleanup) + 1
)

type stepInfo struct {
	key  string
	desc string
}

var steps = [NumSteps]stepInfo{
	StepStart:       {"sub_start", "Submission initialization"},
	StepOldCancel:   {"old_cancel", "Cancellation of previous versions"},
	StepDownload:    {"data_download", "Data download"},
	StepExtract:     {"extracting", "Metadata extraction"},
	StepCuration:    {"curation", "Dataset curation"},
	StepSearch:      {"ingest_search", "Search index ingestion"},
	StepBackup:      {"ingest_backup", "Copy to secondary storage"},
	StepPublish:     {"ingest_publish", "Archive publication"},
	StepIntegration: {"ingest_integration", "Integration upload"},
	StepRegistry:    {"ingest_registry", "Resource registry registration"},
	StepCleanup:     {"ingest_cleanup", "Post-processing cleanup"},
}

// Key returns the stable machine name of the step.
func (s Step) Key() string {
	if !s.Valid() {
		return "unknown"
	}
	return steps[s].key
}

// Description returns the human-readable step name.
func (s Step) Description() string {
	if !s.Valid() {
		return "Unknown step"
	}
	return steps[s].desc
}

func (s Step) Valid() bool {
	return s >= 0 && int(s) < NumSteps
}

func (s Step) String() string { return s.Key() }

// StepByKey resolves a step from its machine name.
func StepByKey(key string) (Step, bool) {
	for i, info := range steps {
		if info.key == key {
			return Step(i), true
		}
	}
	return 0, false
}

// Code is one character of the step alphabet.
type Code byte

const (
	CodeNotStarted Code = 'z'
	CodeInProgress Code = 'P'
	CodeSuccess    Code = 'S'
	CodeMessage    Code = 'M' // success with message
	CodeLink       Code = 'L' // success with link
	CodeNoteworthy Code = 'U' // completed but noteworthy
	CodeSkipped    Code = 'N' // not requested
	CodeRecover    Code = 'R' // failed, pipeline continues
	CodeRetry      Code = 'T' // transient, retrying
	CodeFailed     Code = 'F'
	CodeHelp       Code = 'H' // failed with help link
	CodeCancelled  Code = 'X'
)

// Valid reports whether c belongs to the step alphabet.
func (c Code) Valid() bool {
	switch c {
	case CodeNotStarted, CodeInProgress, CodeSuccess, CodeMessage, CodeLink,
		CodeNoteworthy, CodeSkipped, CodeRecover, CodeRetry, CodeFailed,
		CodeHelp, CodeCancelled:
		return true
	}
	return false
}

// Pending codes are the ones a cancel or fatal cascade may overwrite.
func (c Code) Pending() bool {
	return c == CodeNotStarted || c == CodeInProgress || c == CodeRetry
}

// Terminal codes never change once written.
func (c Code) Terminal() bool {
	return c.Valid() && !c.Pending()
}

// Fatal codes cancel all downstream work.
func (c Code) Fatal() bool {
	return c == CodeFailed || c == CodeHelp
}

// CarriesMessage reports whether the message slot is meaningful for c.
func (c Code) CarriesMessage() bool {
	switch c {
	case CodeInProgress, CodeMessage, CodeLink, CodeNoteworthy, CodeRecover, CodeRetry, CodeFailed, CodeHelp:
		return true
	}
	return false
}

// CarriesLink reports whether the message link is meaningful for c.
func (c Code) CarriesLink() bool {
	return c == CodeLink || c == CodeHelp
}

func (c Code) String() string { return string(rune(c)) }
