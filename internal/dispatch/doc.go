// Package dispatch drains the work queue into submission worker processes.
//
// Each received item carries one submission. The dispatcher applies the
// idempotence rules against the status store before launching anything:
//   - a finished (inactive) submission is acknowledged and skipped
//   - a submission owned by a live worker is acknowledged and skipped
//   - a submission whose recorded worker is dead is reconciled
//   - a submission cancelled before launch is closed with every step X
//
// Otherwise a worker is started with the WorkerRequest on stdin, its handle
// is written to the status and only then is the item acknowledged. A launch
// failure releases the item for redelivery after a delay.
//
// When a worker exits, any status it left active is reconciled: the first
// unfinished step fails, the rest are cancelled and the status goes
// inactive. At most MaxConcurrent workers run at once. On shutdown the loop
// stops receiving, waits ShutdownGrace, then sends SIGTERM and SIGKILL to
// what is left.
package dispatch
