// Package ws implements the WebSocket hub for perfmatrix-server.
//
// Hub manages a set of connected clients and pushes every datapoint view to
// all of them whenever the registry reports a change. It is registered as a
// registry listener, so a burst of updates between two notification ticks
// produces one message per client.
//
// New(reg) creates a Hub.
// Hub.Run(ctx) blocks until ctx is cancelled, then closes all connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// datapoints immediately on connect, then streams updates on each change.
//
// Message format sent to clients:
//
//	{
//	  "event": "datapoints",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws
