package natkeeper

import "time"

// Backoff schedule for a single request/response exchange with the gateway.
const (
	initialTimeout = 250 * time.Millisecond
	maxTimeout     = 64000 * time.Millisecond
)

// Mapping request parameters
const (
	requestedLifetime       = 360 * time.Second
	defaultUnexpectedLimit  = 3
	defaultCallTimeout      = 2 * time.Second
	defaultGatewayAddress   = "10.2.0.1"
	notifyRetryInitialDelay = time.Second
	notifyRetryMaxDelay     = 5 * time.Minute
)
