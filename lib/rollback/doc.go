// Package rollback implements a compensating-action stack for multi-step mutations.
//
// A multi-step mutation registers one compensation per completed step. If a
// later step fails, Rollback undoes the completed steps in reverse order; if
// all steps succeed, Commit discards the compensations.
//
// Semantics:
//   - Compensations run in strict reverse-of-registration order
//   - A failing (or panicking) compensation is reported and the remaining ones
//     still run
//   - Compensations registered while a rollback is running are ignored, so a
//     compensation cannot re-register itself
//   - The list is cleared after Commit and Rollback, a Transaction is meant to
//     be used for one logical operation
//
// Thread Safety:
//
//	A Transaction is owned by the operation that created it and is not safe for
//	concurrent use.
package rollback
