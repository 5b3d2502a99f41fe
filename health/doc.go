// Package health reports whether the messaging core is usable.
//
// A Service runs the connection, queue depth, error rate and dead-letter
// checks concurrently and folds them into a Report whose status is the worst
// of its checks. Handlers expose the report over HTTP.
package health
