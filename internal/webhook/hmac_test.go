package webhook

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestVerifyHMACSignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"event":"push","repository":"test"}`)

	// Compute expected signature
	expectedSig := computeSignature(body, secret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{
			name:      "valid signature - plain hex",
			body:      body,
			signature: expectedSig,
			secret:    secret,
			wantErr:   false,
		},
		{
			name:      "valid signature - GitHub format",
			body:      body,
			signature: Sign(body, secret),
			secret:    secret,
			wantErr:   false,
		},
		{
			name:      "invalid signature - wrong signature",
			body:      body,
			signature: "0000000000000000000000000000000000000000000000000000000000000000",
			secret:    secret,
			wantErr:   true,
		},
		{
			name:      "invalid signature - tampered body",
			body:      []byte(`{"event":"push","repository":"hacked"}`),
			signature: expectedSig,
			secret:    secret,
			wantErr:   true,
		},
		{
			name:      "invalid signature - wrong secret",
			body:      body,
			signature: expectedSig,
			secret:    "wrong-secret",
			wantErr:   true,
		},
		{
			name:      "invalid signature - empty signature",
			body:      body,
			signature: "",
			secret:    secret,
			wantErr:   true,
		},
		{
			name:      "invalid signature - empty secret",
			body:      body,
			signature: expectedSig,
			secret:    "",
			wantErr:   true,
		},
		{
			name:      "invalid signature - malformed hex",
			body:      body,
			signature: "not-valid-hex",
			secret:    secret,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}

			if err != nil && err != ErrVerification {
				t.Errorf("error should be generic, got: %v", err)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		want      string // hex representation of expected bytes
		wantErr   bool
	}{
		{
			name:      "GitHub format - sha256 prefix",
			signature: "sha256=3a8f7b2c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a",
			want:      "3a8f7b2c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a",
			wantErr:   false,
		},
		{
			name:      "plain hex",
			signature: "3a8f7b2c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a",
			want:      "3a8f7b2c1d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a",
			wantErr:   false,
		},
		{
			name:      "invalid hex",
			signature: "not-valid-hex",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSignature(tt.signature)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSignature() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if gotHex := hex.EncodeToString(got); gotHex != tt.want {
					t.Errorf("parseSignature() = %v, want %v", gotHex, tt.want)
				}
			}
		})
	}
}

func TestSign(t *testing.T) {
	body := []byte("test payload")
	secret := "test-secret"

	sig := Sign(body, secret)
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("Sign() = %q", sig)
	}
	if Sign(body, secret) != sig {
		t.Error("signature should be deterministic")
	}
	if Sign([]byte("different"), secret) == sig {
		t.Error("different body should produce different signature")
	}
	if err := Verify(body, sig, secret); err != nil {
		t.Errorf("Verify(Sign()) = %v", err)
	}
}
