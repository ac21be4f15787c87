// Package api serves the submission HTTP surface: submit, status
// transcripts, cancel, curation decisions, the event feed, health and
// prometheus metrics. Everything except /healthz and /metrics requires a
// bearer token with the matching scope.
package api
