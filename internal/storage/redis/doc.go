// Package redis offers shared backends for multi-instance deployments: a
// TTL-based chat session store and a pub/sub channel that propagates toolkit
// invalidations between instances.
package redis
