// Package configstore persists launcher defaults in an XDG-compliant
// location. The config file supplies defaults only; environment variables
// and command-line flags always win over it.
package configstore
