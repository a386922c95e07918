// Package cmd implements the command-line interface for mailpass.
//
// This package provides the following commands:
//   - serve: Start the password change gateway
//   - mock-idp: Start the mock identity provider used by mail server tests
//   - introspect: Resolve a bearer token against an identity provider
//   - xoauth2: Print the XOAUTH2 SASL string for a user and token
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
// Every flag can also be set through an environment variable; an explicitly
// set flag always wins.
package cmd
