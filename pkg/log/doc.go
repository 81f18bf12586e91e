/*
Package log provides structured logging shared by every component of the
sync engine, wrapping zerolog.

A single package-level Logger is initialized once via Init and handed out
to components as named child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	ledgerLog := log.WithComponent("ledger")
	ledgerLog.Info().Str("doc_id", id.String()).Msg("appended op")

WithRepo, WithPeer, and WithDoc attach the identifiers components most
often need to correlate a log line back to a specific repo database,
sync peer, or document, without repeating Str() calls at every call site.
*/
package log
