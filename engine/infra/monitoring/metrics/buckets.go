package metrics

// HTTPDurationBuckets defines latency buckets for HTTP request duration metrics.
var HTTPDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// UpstreamDurationBuckets covers calls to the remote retrieval API, which are bounded by the client timeout.
var UpstreamDurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// SessionDurationBuckets covers the lifetime of streamed MCP sessions.
var SessionDurationBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600}
