/*
Package cache adapts Redis as the external cache collaborator of the
resilience layer.

The adapter has two jobs:

  - Ping answers the status report's reachability probe
  - PublishStatus stores the latest combined status under one key with a
    TTL, so other replicas and the status command can read it without
    reaching the server; LoadStatus reads it back

Callers never reach Redis directly. The scalability manager routes every
call through the "cache" circuit breaker, so an unreachable cache costs one
failed probe per recovery timeout rather than a timeout per request.

# Configuration

	cache:
	  enabled: true
	  addr: "redis:6379"
	  db: 0
	  status_key: "scalecore:status"
	  status_ttl: 1m
	  ping_timeout: 500ms

ping_timeout also bounds the dial, read and write timeouts of the client.
A missing key is not an error: LoadStatus reports false.

# Testing

NewRedisWithClient accepts any Client, the small subset of the go-redis API
used here, so tests substitute a fake built from redis.NewStatusResult and
redis.NewStringResult.
*/
package cache
