// Package settings holds the configuration a storage manager opens
// with: whether to persist to disk, whether to auto-commit, and
// where the container file lives.
//
// Grounded on the teacher's settings.Arguments, trimmed to the
// fields this module's storage manager actually consumes (no
// Mode/Host/Port/AuthEnabled — there is no server or auth layer
// here) and given the persist/autoCommit/filepath knobs spec §4.H
// names.
package settings

// Arguments configures a storage manager's open call.
type Arguments struct {
	// Persist controls whether the storage manager loads from and
	// writes to a container file at all. Defaults to false: an
	// in-memory-only engine, useful for tests and ephemeral use.
	Persist bool

	// AutoCommit, when Persist is true, arms the 100ms-coalesced
	// commit cycle on every modification. Defaults to true.
	AutoCommit bool

	// FilePath is the container file's path. Empty selects
	// dbfile.DefaultPath.
	FilePath string

	// Verbose is carried with the other options but is not read by
	// the storage manager: log output and level are whatever the zap
	// logger passed to Open is configured for.
	Verbose bool
}

// Defaults returns the configuration spec §4.H's open contract
// describes when no options are supplied: persist=false,
// autoCommit=true.
func Defaults() Arguments {
	return Arguments{
		Persist:    false,
		AutoCommit: true,
	}
}
