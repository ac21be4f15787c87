// Package publish implements the secondary publication steps that follow
// search ingestion. A failing publication step never stops the submission;
// the caller records it as a recoverable failure and moves on.
package publish

import (
	"context"
	"slices"

	"github.com/mattjoyce/siphon/internal/status"
)

// Job is everything a publication step may need about a finished
// extraction.
type Job struct {
	SourceID   string
	SourceName string
	Version    status.Version
	OwnerID    string
	ACL        []string
	Test       bool
	DataDir    string
	Feedstock  string
	Records    int
	// Services holds the step keys the submitter asked for.
	Services []string
}

// Requested reports whether the submitter asked for step.
func (j Job) Requested(step status.Step) bool {
	return slices.Contains(j.Services, step.Key())
}

// Outcome is the code and message a successful step leaves behind.
type Outcome struct {
	Code    status.Code
	Message status.Message
}

// Step is one publication stage.
type Step interface {
	Key() status.Step
	// Enabled reports whether the step should run for job. Disabled steps
	// are recorded as not requested.
	Enabled(job Job) bool
	Run(ctx context.Context, job Job) (Outcome, error)
}

// Payload is the JSON body sent to webhook receivers.
type Payload struct {
	Event      string   `json:"event"`
	SourceID   string   `json:"source_id"`
	SourceName string   `json:"source_name"`
	Version    string   `json:"version"`
	OwnerID    string   `json:"owner_id"`
	ACL        []string `json:"acl"`
	Test       bool     `json:"test"`
	Records    int      `json:"records"`
}

func payloadFor(step status.Step, job Job) Payload {
	acl := job.ACL
	if acl == nil {
		acl = []string{}
	}
	return Payload{
		Event:      step.Key(),
		SourceID:   job.SourceID,
		SourceName: job.SourceName,
		Version:    job.Version.String(),
		OwnerID:    job.OwnerID,
		ACL:        acl,
		Test:       job.Test,
		Records:    job.Records,
	}
}
