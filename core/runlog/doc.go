// Package runlog archives dispatch records and settlement outcomes so that
// past runs can be queried by time range, run id, kind and status.
package runlog
