/*
Package s3 provides the S3-backed object store for EXTERNAL-level cache
registration.

The ObjectStore puts the archival end of the cache hierarchy behind the same
Store interface as the in-process and Redis backends, so the coordinator can
propagate writes to a bucket without treating it specially. EXTERNAL is
deliberately excluded from the coordinator's scan path: objects are written
by propagation and read back only through index claims or explicit targets.

# Architecture Overview

	┌─────────────────────────────────────────────────────────────┐
	│                    CacheCoordinator                         │
	│              (types.Store registration)                     │
	└─────────────────────────────────────────────────────────────┘
	                          │
	┌─────────────────────────────────────────────────────────────┐
	│                      ObjectStore                            │
	│   key prefixing │ entry metadata │ events │ request metrics │
	└─────────────────────────────────────────────────────────────┘
	                          │
	┌─────────────────────────────────────────────────────────────┐
	│                    AWS S3 Service                           │
	│     one object per entry under the configured prefix        │
	└─────────────────────────────────────────────────────────────┘

# Key Layout

Every entry is a single object. With Prefix "mnemos", the entry for record
key "a1b2" becomes the object "mnemos/a1b2". Entry weight and source travel
as object user metadata, so bucket tooling can see why an object exists
without downloading it. Values are stored verbatim with content type
application/octet-stream.

# Semantics

The store follows the shared backend contract:

  - Get, Put, Delete never panic on backend failure; a failed call degrades
    to a miss (or a dropped write) plus a logged warning, and the failure is
    kept in the request metrics.
  - Write is the error-returning form of Put for callers with retry
    machinery, such as the semantic cache's mirror queue.
  - Mutations emit their event synchronously, in commit order, to
    subscribed listeners.
  - Keys, Len and Clear walk the listing with the continuation token; they
    are stats and maintenance paths, not hot paths.

Two responsibilities stay on the server side. Expiry belongs to bucket
lifecycle rules, so the store runs no janitor and ignores per-entry TTL.
Capacity belongs to the bucket, so Resize is advisory and does nothing.

# Configuration

	config := &s3.Config{
		Region:         "us-west-2",
		Prefix:         "mnemos",
		MaxRetries:     3,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}

	store, err := s3.NewObjectStore(ctx, "my-bucket", config)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Static credentials may be set on the config; when absent the default AWS
credential chain applies. Endpoint and ForcePathStyle support S3-compatible
servers such as MinIO or LocalStack.

# Thread Safety

All public methods are safe for concurrent use. The internal mutex guards
listeners and counters only and is never held across an SDK call, so a slow
request cannot block listeners or stats.
*/
package s3
