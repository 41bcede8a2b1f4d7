// Package config loads the pawmised runtime configuration from a JSON file,
// an optional .env file and environment variables, in that order of
// precedence from lowest to highest.
package config
