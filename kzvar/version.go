// Package kzvar provides the version number of the kommunikationszentrum
// repository.
package kzvar

// Version is set at build time with ldflags. Used in logging, the API handler
// and the version subcommand.
var Version = "(devel)"
