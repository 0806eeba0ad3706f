// Package errors provides coded, actionable error messages for the wsbroker
// command line.
//
// Library packages return plain Go errors (sentinels and typed errors with
// Unwrap). The CLI converts the ones a user can act on into an *Error carrying
// a registered code, a detail paragraph and a suggestion, then prints it with
// Format.
//
// # Error Codes
//
//   - E100-E119: configuration file errors
//   - E120-E139: server start and listener errors
//   - E140-E159: client errors
//
// # Usage
//
//	err := errors.New("E101").
//	    WithLocation("wsbroker.json", 4, 13).
//	    WithSuggestion("Remove the trailing comma")
//
//	fmt.Fprint(os.Stderr, err.Format())
//	// Output:
//	// ERROR E101: Invalid JSON in configuration file
//	//
//	//   wsbroker.json:4:13
//	//
//	//       3 │   "port": 8080,
//	//   →   4 │   "framer": ,
//	//         │             ^
//	//       5 │ }
//	//
//	//   Hint: Remove the trailing comma
package errors
