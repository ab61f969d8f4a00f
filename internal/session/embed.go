package session

import "embed"

// builtinGraphs holds the default workflow graph documents. A file of the
// same name under <workingDir>/graphs/ overrides its builtin.
//
//go:embed graphs/*.yml
var builtinGraphs embed.FS
