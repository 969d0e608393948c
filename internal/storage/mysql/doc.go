// Package mysql persists burner lifecycle records in MySQL. It carries its own
// embedded schema migrations and never stores key material.
package mysql
