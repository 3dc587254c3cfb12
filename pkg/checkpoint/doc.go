// Package checkpoint records how far an episode got through the pipeline so
// a failed run can resume from the last completed stage instead of repeating
// oracle calls.
//
// Two stores are provided: FileStore writes one JSON file per episode with
// atomic renames, BadgerStore keeps checkpoints in an embedded badger
// database (optionally in memory).
package checkpoint
