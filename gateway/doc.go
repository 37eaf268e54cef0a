// Package gateway assembles the protocol gateway: the lifecycle manager
// that keeps tenant connections alive, the resolution cache, the keyed
// worker pool and the message pipeline.
//
// # Frame flow
//
//	transport goroutine
//	      │ OnFrame
//	      ▼
//	┌──────────────┐  rate limit, resolve address
//	│ Gateway      │──────────────────────────────► drop (metric + log)
//	└──────┬───────┘
//	       │ Submit (lane = hash(tenant id))
//	       ▼
//	┌──────────────┐
//	│ worker lane  │  identity → hydrate → decode → online → rules → publish → metrics
//	└──────────────┘
//
// Frames of one tenant are processed in arrival order on a single lane;
// different tenants proceed concurrently. Transport callbacks never block
// on pipeline work: a full lane drops the frame.
//
// # Admin API
//
// Handler returns a chi router exposing tenant control and statistics:
//
//	GET  /tenants
//	GET  /tenants/{id}
//	POST /tenants/{id}/start
//	POST /tenants/{id}/stop
//	POST /tenants/{id}/restart
//	POST /reload
//	GET  /statistics
//	GET  /health
//	GET  /metrics
package gateway
