// Package server hosts the mediafetch API behind a single HTTP server.
//
// New assembles the middleware chain shared by every route: request ids,
// access logging, metrics, CORS, security headers and a global request rate
// guard. Per-client download quotas live in the scheduler, so the chain
// never needs to know which routes start jobs.
package server
