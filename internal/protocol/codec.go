package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeExtractRequest serializes req as a single JSON line.
func EncodeExtractRequest(w io.Writer, req *ExtractRequest) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode extract request: %w", err)
	}
	return nil
}

// DecodeExtractRequest strictly parses an extract request.
func DecodeExtractRequest(r io.Reader) (*ExtractRequest, error) {
	var req ExtractRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, fmt.Errorf("failed to decode extract request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("extract request has no files")
	}
	return &req, nil
}

// EncodeExtractResponse serializes resp as a single JSON line.
func EncodeExtractResponse(w io.Writer, resp *ExtractResponse) error {
	if err := validateResponse(resp); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode extract response: %w", err)
	}
	return nil
}

// DecodeExtractResponse reads and validates a response, rejecting unknown fields.
func DecodeExtractResponse(r io.Reader) (*ExtractResponse, error) {
	var resp ExtractResponse
	if err := decodeStrict(r, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeExtractResponseLenient is like DecodeExtractResponse but tolerates
// unknown fields and returns the raw bytes for diagnostics.
func DecodeExtractResponseLenient(r io.Reader) (*ExtractResponse, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("child produced no output on stdout")
	}

	var resp ExtractResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("child output is not valid JSON: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

// EncodeWorkerRequest serializes req as a single JSON line.
func EncodeWorkerRequest(w io.Writer, req *WorkerRequest) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Submission.SourceID == "" {
		return fmt.Errorf("worker request missing submission source_id")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode worker request: %w", err)
	}
	return nil
}

// DecodeWorkerRequest strictly parses a worker request.
func DecodeWorkerRequest(r io.Reader) (*WorkerRequest, error) {
	var req WorkerRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, fmt.Errorf("failed to decode worker request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Submission.SourceID == "" {
		return nil, fmt.Errorf("worker request missing submission source_id")
	}
	return &req, nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func validateResponse(resp *ExtractResponse) error {
	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}
