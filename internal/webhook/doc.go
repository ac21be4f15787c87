// Package webhook delivers signed notifications to external services.
//
// Every delivery is a JSON POST whose body is signed with HMAC-SHA256 over a
// pre-shared secret. The signature travels in X-Siphon-Signature as
// "sha256=<hex>", the GitHub convention, so receivers can reuse existing
// verification code. Verify is the receiving side of the same scheme and
// compares in constant time.
//
// Errors from Verify are deliberately generic so that a caller echoing them
// leaks nothing about which check failed.
package webhook
