// Package store persists posts and the lifecycle audit trail.
//
// It is pure CRUD: no lifecycle validation happens here. The one concession
// to the cancel/fire race is UpdatePostIfStatus, a conditional write that
// gives callers per-record atomicity for status/job_id changes.
package store
