// Package config provides environment-based configuration.
//
// Loads from .env file (godotenv), maps to Config structs via go-simpler/env struct tags.
// The core packages never read the environment; they receive the plain
// settings structs built here.
package config
