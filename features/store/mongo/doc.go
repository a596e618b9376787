// Package mongo provides a MongoDB-backed implementation of the runtime
// continuity store. Build the low-level client via
// features/store/mongo/clients/mongo and pass it to NewStore so sessions keep
// their cursor, seed and artifact snapshot across processes.
package mongo
