// Package api hosts the HTTP handlers of the mediafetch service.
//
// Handler wires request parsing and response shaping onto collaborators
// injected at construction: the pipeline executor for downloads, the source
// resolver for metadata lookups, and the scheduler, scratch manager and job
// ledger for health and history reporting. Nothing here reaches for globals.
//
// Handlers assume internal/server has already applied request ids, CORS,
// the global request rate guard, metrics and access logging. Per-client
// download quotas are enforced by the scheduler, not by middleware.
package api
