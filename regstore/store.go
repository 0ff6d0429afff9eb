// Package regstore is the data access layer for pipeline state: source
// pointers, concepts, rules, conflicts, releases, and agent runs.
//
// Stages communicate only through these tables and the workq queues — there
// is no shared in-process state between stages.
package regstore

import (
	"database/sql"

	"github.com/taxway/regtruth/idgen"
)

// Store wraps the pipeline database.
type Store struct {
	DB *sql.DB

	newPointerID  idgen.Generator
	newRuleID     idgen.Generator
	newConflictID idgen.Generator
	newReleaseID  idgen.Generator
	newRunID      idgen.Generator
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:            db,
		newPointerID:  idgen.Prefixed("sp_", idgen.Default),
		newRuleID:     idgen.Prefixed("rul_", idgen.Default),
		newConflictID: idgen.Prefixed("cf_", idgen.Default),
		newReleaseID:  idgen.Prefixed("rel_", idgen.Default),
		newRunID:      idgen.Prefixed("run_", idgen.Default),
	}
}
