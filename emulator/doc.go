// Package emulator is an in-memory Skiff backend for tests and local
// development. Engine implements the full driver contract including
// realtime watches and optimistic transactions; BlobStore implements the
// blob service with chunked upload progress. Server wraps both in the REST
// facade served by skiffd:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/PUT/DELETE /v1/documents/* for document CRUD (?merge=true on PUT).
//   - POST /v1/query to run queries.
//   - POST/GET/DELETE /v1/blobs/* for blob objects.
package emulator
