package logging

import (
	"github.com/rs/zerolog/log"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Library returns a whatsmeow logger that writes through the global zerolog
// logger, tagged with the library module name ("client", "store", ...).
func Library(module string) waLog.Logger {
	return waLog.Zerolog(log.Logger.With().Str("module", module).Logger())
}
