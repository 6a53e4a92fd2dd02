package wlcore

import "time"

// DefaultGracefulShutdown is how long Server.Shutdown waits for in-flight
// connections to drain before closing their sockets. Per-connection
// limits (MaxPendingBuffers, MaxInFd) live in internal/client, next to
// the swapchain they bound.
const DefaultGracefulShutdown = 5 * time.Second
