// Package errcode defines the error codes returned by the image registry
// API. An ErrorCode is identified globally by an upper case string value
// and is assigned a process-unique integer when registered, which can be
// used for identity tests.
//
// Errors are registered with Register under a group name. WithDetail and
// WithArgs extend a code into an Error carrying extra information. Errors
// is the JSON envelope written by ServeJSON and parsed by the client:
//
//	{"errors": [{"code": "CHUNK_UNKNOWN", "message": "...", "detail": ...}]}
package errcode
