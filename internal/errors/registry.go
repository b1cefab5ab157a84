package errors

// Template defines a registered diagnostic.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps codes to their templates.
var registry = map[string]Template{
	// ============================================
	// Configuration (M001-M099)
	// ============================================

	"M001": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Suggestion: "Pass --config with the path to an mtwire.toml file, or omit it to run with defaults",
	},
	"M002": {
		Category:   CategoryConfig,
		Message:    "Config file is not valid TOML",
		Suggestion: "Check the file with a TOML linter; keys are snake_case",
	},
	"M003": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},

	// ============================================
	// Wire (M100-M199)
	// ============================================

	"M100": {
		Category:   CategoryWire,
		Message:    "Input ends mid-frame",
		Detail:     "The bytes end before the frame or object they start is complete.",
		Suggestion: "Capture more of the stream, or pass --partial to print what decoded",
	},
	"M101": {
		Category: CategoryWire,
		Message:  "Malformed data",
		Detail:   "A length prefix, constructor id or flags field does not fit the input.",
	},
	"M102": {
		Category:   CategoryWire,
		Message:    "Checksum mismatch",
		Detail:     "A full-transport frame failed its CRC32 check. The connection would be dropped.",
		Suggestion: "Make sure the capture starts at a frame boundary with sequence number 0",
	},
	"M103": {
		Category:   CategoryWire,
		Message:    "Unrecognized transport",
		Detail:     "The first bytes match no plain tag, and decrypting them as an obfuscated prologue yields no known tag either.",
		Suggestion: "If the server uses a secret, pass it with --secret",
	},
	"M104": {
		Category: CategoryWire,
		Message:  "WebSocket handshake rejected",
	},
	"M105": {
		Category:   CategoryWire,
		Message:    "Plain HTTP request",
		Detail:     "The connection opened with an HTTP request that is not a WebSocket upgrade.",
		Suggestion: "Enable the websocket listener option or point the client at the TCP port",
	},

	// ============================================
	// Network (M200-M299)
	// ============================================

	"M200": {
		Category: CategoryNetwork,
		Message:  "Could not connect",
	},
	"M201": {
		Category:   CategoryNetwork,
		Message:    "No reply from server",
		Suggestion: "Raise --timeout, or check that the server accepts this transport variant",
	},
	"M202": {
		Category: CategoryNetwork,
		Message:  "Listener failed",
	},
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Codes returns the number of registered codes.
func Codes() int {
	return len(registry)
}
