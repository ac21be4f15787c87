package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeExtractRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *ExtractRequest
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid group request",
			req: &ExtractRequest{
				Protocol:   1,
				GroupID:    "g-1",
				Files:      []string{"/data/a.json"},
				Extractors: []string{"json"},
				Params:     map[string]map[string]any{"json": {"mapping": map[string]any{"x": "y"}}},
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"group_id":"g-1"`) {
					t.Error("missing group_id field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("request must be newline terminated")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &ExtractRequest{Protocol: 2, Files: []string{"a"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeExtractRequest(&buf, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeExtractRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestExtractRequestRoundTrip(t *testing.T) {
	in := &ExtractRequest{
		Protocol:   1,
		GroupID:    "g-2",
		Files:      []string{"/d/a.csv", "/d/b.csv"},
		Extractors: []string{"csv"},
		ScratchDir: "/tmp/s",
	}
	var buf bytes.Buffer
	if err := EncodeExtractRequest(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeExtractRequest(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.GroupID != in.GroupID || len(out.Files) != 2 || out.ScratchDir != in.ScratchDir {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestDecodeExtractRequestRejectsEmptyFiles(t *testing.T) {
	_, err := DecodeExtractRequest(strings.NewReader(`{"protocol":1,"group_id":"g","files":[],"extractors":[],"deadline_at":"2026-01-01T00:00:00Z"}`))
	if err == nil {
		t.Fatal("expected error for empty files")
	}
}

func TestDecodeExtractResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *ExtractResponse)
	}{
		{
			name:  "single record",
			input: `{"status":"ok","record":{"title":"x"}}`,
			checkFn: func(t *testing.T, resp *ExtractResponse) {
				if resp.Record["title"] != "x" {
					t.Errorf("record = %v", resp.Record)
				}
			},
		},
		{
			name:  "multi records with logs",
			input: `{"status":"ok","records":[{"row":1},{"row":2}],"logs":[{"level":"info","message":"done"}]}`,
			checkFn: func(t *testing.T, resp *ExtractResponse) {
				if len(resp.Records) != 2 {
					t.Errorf("records = %d, want 2", len(resp.Records))
				}
				if len(resp.Logs) != 1 || resp.Logs[0].Message != "done" {
					t.Errorf("logs = %+v", resp.Logs)
				}
			},
		},
		{name: "error with message", input: `{"status":"error","error":"bad file"}`},
		{name: "error without message", input: `{"status":"error"}`, wantErr: true},
		{name: "missing status", input: `{"records":[]}`, wantErr: true},
		{name: "invalid status", input: `{"status":"maybe"}`, wantErr: true},
		{name: "unknown field", input: `{"status":"ok","extra":1}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeExtractResponse(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeExtractResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && resp != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeExtractResponseLenient(t *testing.T) {
	resp, raw, err := DecodeExtractResponseLenient(strings.NewReader(`{"status":"ok","extra":true}`))
	if err != nil {
		t.Fatalf("lenient decode should accept unknown fields: %v", err)
	}
	if resp.Status != "ok" || len(raw) == 0 {
		t.Errorf("unexpected result: %+v raw=%q", resp, raw)
	}

	_, raw, err = DecodeExtractResponseLenient(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty output")
	}
	if len(raw) != 0 {
		t.Errorf("raw = %q, want empty", raw)
	}

	_, raw, err = DecodeExtractResponseLenient(strings.NewReader("panic: boom"))
	if err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if string(raw) != "panic: boom" {
		t.Errorf("raw = %q", raw)
	}
}

func TestWorkerRequestRoundTrip(t *testing.T) {
	in := &WorkerRequest{
		Protocol: 1,
		ItemID:   "item-1",
		Submission: Submission{
			SourceID: "foo_v1.1",
			OwnerID:  "owner",
			Location: "/incoming/foo",
			Dataset:  map[string]any{"title": "Foo"},
			Curation: true,
		},
	}
	var buf bytes.Buffer
	if err := EncodeWorkerRequest(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeWorkerRequest(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ItemID != "item-1" || out.Submission.SourceID != "foo_v1.1" || !out.Submission.Curation {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.Submission.Dataset["title"] != "Foo" {
		t.Errorf("dataset = %v", out.Submission.Dataset)
	}
}

func TestWorkerRequestRequiresSourceID(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeWorkerRequest(&buf, &WorkerRequest{Protocol: 1}); err == nil {
		t.Fatal("expected error for missing source_id")
	}
	if _, err := DecodeWorkerRequest(strings.NewReader(`{"protocol":1,"item_id":"x","submission":{}}`)); err == nil {
		t.Fatal("expected error for missing source_id")
	}
}
