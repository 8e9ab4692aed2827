// Package scheduler turns due schedule entries into broker jobs.
//
// Every tick it asks the store for due entries, claims each occurrence with
// MarkFired and only then enqueues. The job id is derived from the entry and
// occurrence, so a retried enqueue cannot produce a second job. Several
// instances may run against one store; all but the claim winner are no-ops.
package scheduler
