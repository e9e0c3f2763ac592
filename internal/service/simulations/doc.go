// Package simulations is the result cache in front of the external
// simulation.
//
// Flow of GetOrRun:
//   - validate the bundle and pin the engine into its configuration
//   - fingerprint -> ledger lookup; a hit returns the recorded run id
//   - miss: archive parameters (optional), run, store the output, record
//
// The output blob is always written before the ledger record, so a record
// never points at a missing blob. Concurrent callers inside one process share
// a single computation per fingerprint; across processes the ledger's unique
// constraint decides the winner and the loser discards its own blob.
//
// Auditing:
//   - computed, reused and output_replaced emit one event each when an
//     appender is configured. Append failures are logged and ignored.
package simulations
