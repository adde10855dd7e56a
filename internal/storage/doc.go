// Package storage persists the scheduling entities and the execution ledger
// in a single SQLite database (modernc.org/sqlite, pure Go).
//
// The engine only reads schedule definitions; writes to them come from the
// external management surface through SaveSchedule/DeleteSchedule/SetActive,
// which also enforce the save-time validation rules (invalid recurrence
// config never reaches the resolver). Execution and action-result rows are
// append/update only; a crash can leave an execution in "running" forever,
// which StaleRunning surfaces for operators.
package storage
