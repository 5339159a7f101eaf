package main

import "github.com/metahuman/metahuman-os/control-plane/internal/apierr"

// exitCodeFor maps a returned error to the CLI exit code convention (§6):
// 0 success, 1 validation, 2 permission, 3 not found, 10+ domain-specific.
// Unrecognized errors exit 13, the same bucket apierr.Kind.ExitCode uses
// for its own default case.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := apierr.As(err); ok {
		return e.Kind.ExitCode()
	}
	return 13
}
