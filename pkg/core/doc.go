// Package core defines the shared language of the Gibbon system.
//
// This package contains:
//   - Domain entities (Run, Step, RunSummary, RunDetail)
//   - Capability interfaces (Bongo, Verifier, Backend)
//   - The error taxonomy shared across the orchestrator
//
// The Golden Rule: pkg/core imports ONLY the stdlib.
// All other packages depend on core, not the reverse.
package core
