// Package schedule defines recurring job entries, how their occurrences are
// computed, and the Store contract that persists them.
//
// MarkFired is the only way LastFiredAt changes and is a compare-and-set:
// when several scheduler instances share a store, exactly one of them
// claims each occurrence.
package schedule
