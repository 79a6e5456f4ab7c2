// Package memory provides an in-memory implementation of the grant engine's
// storage interfaces. It is suitable for development, testing, and
// single-instance deployments.
//
// All operations are guarded by a single RWMutex. The Consume and TouchPoll
// check-and-update operations run entirely under the write lock, which makes
// them atomic with respect to concurrent callers.
package memory
