// Package engine's doc.go records the argv-fuzz preload environment the
// original instrumentation host's launch wrapper consults. The wrapper
// itself rewrites the monitored process's own argv before its main runs,
// inside that process's address space — a preload shim with no meaningful
// Go translation, and out of scope the same way the command-line/launch
// wrapper is. The three variables are documented here because a user
// driving this engine through the same wrapper needs to know they exist,
// even though nothing in this module reads them:
//
// - INPUT_FILE_ARGV_INDICES: comma-or-punctuation-separated argv indices
// to be replaced by the fuzz input path.
// - FUZZ_INSTANCE_NAME: output path for the residual stdin split-off.
// - STDIN_FILE: optional stdin replacement.
package engine

import "sync"

// trampoline exists only to satisfy a hypothetical //export C-callable
// entry point an instrumentation host would call into (image-load,
// instruction, fini callbacks registered once per process). Since that
// host is out of scope here, it is exercised only by a test simulating the
// once-per-process registration pattern.
var trampoline struct {
	once sync.Once
	eng *Engine
}

// Trampoline returns the process-wide Engine a C-callable entry point
// would dispatch into, constructing it on first use.
func Trampoline(build func() *Engine) *Engine {
	trampoline.once.Do(func() {
		trampoline.eng = build()
	})
	return trampoline.eng
}
