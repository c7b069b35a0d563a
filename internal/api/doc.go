// Package api exposes host provisioning and certificate management over HTTP.
//
// All routes live under /api/v1 and answer with a provision.Result document.
// /healthz and /metrics are served without authentication.
package api
