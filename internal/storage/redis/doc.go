// Package redis keeps burner lifecycle records in Redis: one hash per burner
// plus a sorted set indexing the burners that may still hold funds.
package redis
