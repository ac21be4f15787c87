package status

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("submission status not found")
	ErrExists    = errors.New("submission status already exists")
	ErrInvariant = errors.New("status invariant violated")
)

var sourceIDPattern = regexp.MustCompile(`^(.+)_v(\d+)\.(\d+)$`)

// Version is the major.minor pair encoded in a source_id.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Less orders versions by major, then minor.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ParseSourceID splits "{name}_v{major}.{minor}" into its logical name and version.
func ParseSourceID(sourceID string) (string, Version, error) {
	m := sourceIDPattern.FindStringSubmatch(strings.TrimSpace(sourceID))
	if m == nil {
		return "", Version{}, fmt.Errorf("source_id %q is not of the form name_vMAJOR.MINOR", sourceID)
	}
	major, err := strconv.Atoi(m[2])
	if err != nil {
		return "", Version{}, fmt.Errorf("source_id %q: bad major version: %w", sourceID, err)
	}
	minor, err := strconv.Atoi(m[3])
	if err != nil {
		return "", Version{}, fmt.Errorf("source_id %q: bad minor version: %w", sourceID, err)
	}
	return m[1], Version{Major: major, Minor: minor}, nil
}

// FormatSourceID is the inverse of ParseSourceID.
func FormatSourceID(name string, v Version) string {
	return fmt.Sprintf("%s_v%d.%d", name, v.Major, v.Minor)
}

// Message is a per-step message slot: plain text or a (text, link) pair.
type Message struct {
	Text string `json:"text,omitempty"`
	Link string `json:"link,omitempty"`
}

// Text builds a text-only message.
func Text(format string, args ...any) Message {
	return Message{Text: fmt.Sprintf(format, args...)}
}

// Curation records an operator decision for a hibernating submission.
type Curation struct {
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	CuratorID string    `json:"curator_id,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Status is the durable per-submission state entity.
type Status struct {
	SourceID    string
	SourceName  string
	Version     Version
	Code        string
	Messages    []Message
	Active      bool
	Cancelled   bool
	Hibernating bool
	OwnerID     string
	ACL         []string
	Test        bool
	ProcessID   string
	Extensions  []string
	Curation    *Curation
	SubmittedAt time.Time
	UpdatedAt   time.Time

	revision int64
}

// New returns the all-not-started, active status for sourceID.
func New(sourceID, ownerID string) (*Status, error) {
	name, ver, err := ParseSourceID(sourceID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner_id is empty")
	}
	now := time.Now().UTC()
	return &Status{
		SourceID:    sourceID,
		SourceName:  name,
		Version:     ver,
		Code:        strings.Repeat(string(CodeNotStarted), NumSteps),
		Messages:    make([]Message, NumSteps),
		Active:      true,
		OwnerID:     ownerID,
		ACL:         []string{},
		Extensions:  []string{},
		SubmittedAt: now,
		UpdatedAt:   now,
	}, nil
}

// StepCode returns the code currently held by step.
func (s *Status) StepCode(step Step) Code {
	if !step.Valid() || len(s.Code) != NumSteps {
		return 0
	}
	return Code(s.Code[step])
}

// SetStep writes code (and msg) at step. Writing F or H cancels every
// downstream step still pending. The message slot is cleared for codes that
// carry no information.
func (s *Status) SetStep(step Step, code Code, msg Message) error {
	if !step.Valid() {
		return fmt.Errorf("%w: step %d out of range", ErrInvariant, step)
	}
	if !code.Valid() {
		return fmt.Errorf("%w: unknown code %q", ErrInvariant, code)
	}
	if len(s.Code) != NumSteps {
		return fmt.Errorf("%w: code length %d != %d", ErrInvariant, len(s.Code), NumSteps)
	}
	s.ensureMessages()

	b := []byte(s.Code)
	b[step] = byte(code)
	if !code.CarriesMessage() {
		msg = Message{}
	} else if !code.CarriesLink() {
		msg.Link = ""
	}
	s.Messages[step] = msg

	if code.Fatal() {
		for j := int(step) + 1; j < NumSteps; j++ {
			if Code(b[j]).Pending() {
				b[j] = byte(CodeCancelled)
				s.Messages[j] = Message{}
			}
		}
	}
	s.Code = string(b)
	return nil
}

// CancelRemaining rewrites every pending step to X. It returns the number of
// steps changed.
func (s *Status) CancelRemaining() int {
	s.ensureMessages()
	b := []byte(s.Code)
	n := 0
	for i := range b {
		if Code(b[i]).Pending() {
			b[i] = byte(CodeCancelled)
			s.Messages[i] = Message{}
			n++
		}
	}
	s.Code = string(b)
	return n
}

// FirstPending returns the lowest-indexed pending step.
func (s *Status) FirstPending() (Step, bool) {
	for i := 0; i < len(s.Code) && i < NumSteps; i++ {
		if Code(s.Code[i]).Pending() {
			return Step(i), true
		}
	}
	return 0, false
}

// FailedAt returns the first step holding F or H.
func (s *Status) FailedAt() (Step, bool) {
	for i := 0; i < len(s.Code) && i < NumSteps; i++ {
		if Code(s.Code[i]).Fatal() {
			return Step(i), true
		}
	}
	return 0, false
}

// Clone returns a deep copy.
func (s *Status) Clone() *Status {
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.ACL = append([]string(nil), s.ACL...)
	c.Extensions = append([]string(nil), s.Extensions...)
	if s.Curation != nil {
		cur := *s.Curation
		c.Curation = &cur
	}
	return &c
}

func (s *Status) ensureMessages() {
	if len(s.Messages) == NumSteps {
		return
	}
	msgs := make([]Message, NumSteps)
	copy(msgs, s.Messages)
	s.Messages = msgs
}

// checkShape validates a status in isolation.
func checkShape(s *Status) error {
	if len(s.Code) != NumSteps {
		return fmt.Errorf("%w: code length %d != %d", ErrInvariant, len(s.Code), NumSteps)
	}
	if len(s.Messages) != NumSteps {
		return fmt.Errorf("%w: messages length %d != %d", ErrInvariant, len(s.Messages), NumSteps)
	}
	for i := 0; i < NumSteps; i++ {
		if !Code(s.Code[i]).Valid() {
			return fmt.Errorf("%w: step %s holds unknown code %q", ErrInvariant, Step(i), s.Code[i])
		}
	}
	if failed, ok := s.FailedAt(); ok {
		for j := int(failed) + 1; j < NumSteps; j++ {
			if Code(s.Code[j]).Pending() {
				return fmt.Errorf("%w: step %s pending after failure at %s", ErrInvariant, Step(j), failed)
			}
		}
	}
	return nil
}

// checkTransition validates a read-modify-write from old to next.
func checkTransition(old, next *Status) error {
	if err := checkShape(next); err != nil {
		return err
	}
	if next.SourceID != old.SourceID {
		return fmt.Errorf("%w: source_id is immutable", ErrInvariant)
	}
	if !old.Active && next.Active {
		return fmt.Errorf("%w: inactive submission cannot be reactivated", ErrInvariant)
	}
	_, failed := old.FailedAt()
	for i := 0; i < NumSteps; i++ {
		was, now := Code(old.Code[i]), Code(next.Code[i])
		if was == now {
			continue
		}
		if was.Terminal() {
			return fmt.Errorf("%w: step %s already terminal (%s)", ErrInvariant, Step(i), was)
		}
		// Once failed, the only permitted write is cancelling leftovers.
		if failed && now != CodeCancelled {
			return fmt.Errorf("%w: status failed; step %s cannot be written", ErrInvariant, Step(i))
		}
	}
	return nil
}
