// Package settled remembers task ids that were resolved, timed out, or
// cancelled, so a result arriving after the fact can be logged as late rather
// than unknown.
package settled
