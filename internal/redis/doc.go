// Package redis mirrors generated samples to Redis.
//
// Every sample is published on a channel and stored under a "latest" key so
// other services can follow the signal without holding a stream connection.
// All commands pass through a metrics hook and a circuit breaker hook.
package redis
