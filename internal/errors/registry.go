package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Configuration (E100-E119)

	"E100": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Detail:     "No wsbroker.json was found in the given directory or any of its parents.",
		Suggestion: "Run 'wsbroker config init' or pass --config with the file path",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Invalid JSON in configuration file",
		Detail:     "The configuration file could not be parsed.",
		Suggestion: "Check for trailing commas and unquoted keys",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A limit or option in the configuration is out of range.",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Web directory not found",
		Detail:     "The webDir setting must name an existing directory. Static files are served from it.",
		Suggestion: "Create the directory or fix the webDir path",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "TLS certificate or key not found",
		Detail:     "TLS is enabled (tls.port > 0) but the certificate or key file does not exist.",
		Suggestion: "Set tls.cert and tls.key to existing PEM files, or set tls.port to -1",
	},
	"E105": {
		Category:   CategoryConfig,
		Message:    "No port enabled",
		Detail:     "At least one of port and tls.port must be greater than zero.",
		Suggestion: "Set \"port\": 8080",
	},
	"E106": {
		Category:   CategoryConfig,
		Message:    "HTTP and HTTPS ports are the same",
		Detail:     "The plaintext and TLS listeners cannot share a port.",
		Suggestion: "Choose a different tls.port",
	},
	"E107": {
		Category:   CategoryConfig,
		Message:    "Unknown framer",
		Detail:     "The framer setting selects the websocket implementation.",
		Suggestion: "Use \"gorilla\" or \"gobwas\"",
	},
	"E108": {
		Category: CategoryConfig,
		Message:  "Invalid environment override",
		Detail:   "A WSBROKER_* environment variable could not be parsed.",
	},

	// Server (E120-E139)

	"E120": {
		Category: CategoryServer,
		Message:  "Server failed to start",
		Detail:   "The engine could not be constructed or its listeners could not be created.",
	},
	"E121": {
		Category:   CategoryServer,
		Message:    "Listener failed",
		Detail:     "A port could not be bound. Another process may be using it.",
		Suggestion: "Pick a free port or stop the other process",
	},
	"E122": {
		Category: CategoryServer,
		Message:  "Metrics endpoint failed",
		Detail:   "The Prometheus metrics listener stopped with an error.",
	},

	// Client (E140-E159)

	"E140": {
		Category:   CategoryTransport,
		Message:    "WebSocket connection failed",
		Detail:     "The client could not connect to the server.",
		Suggestion: "Check the URL and that the server is running",
	},
	"E141": {
		Category: CategoryCLI,
		Message:  "Invalid destination",
		Detail:   "The destination must be a connection id (0 broadcasts).",
	},
}

// GetAllCodes returns all registered error codes in ascending order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
