// Package console provides the console global, printing through the
// Host.core.print op of the core extension.
//
// log, info and debug write to the runtime's stdout; warn, error, trace and
// failed asserts write to its stderr.
package console

import (
	_ "embed"

	"github.com/joeycumines/go-jsruntime/core"
)

//go:embed console.js
var consoleJS string

// Extension returns the console extension.
func Extension() core.Extension {
	return core.Extension{
		Name: "console",
		JS:   []core.SourceFile{{Specifier: "host:console/console.js", Code: consoleJS}},
	}
}
