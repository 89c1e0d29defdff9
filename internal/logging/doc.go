// Package logging configures structured slog output for kbindex.
// CLI commands log to stderr and, with --debug, to a rotating JSON file under
// ~/.kbindex/logs/. The MCP server logs to the file only, because stdout
// carries the JSON-RPC stream.
package logging
