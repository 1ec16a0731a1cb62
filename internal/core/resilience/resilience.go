// Package resilience provides generic retry, circuit-breaker, and
// rate-limiting building blocks shared by the worker loop, the HTTP
// evaluator and the API's submission limiter.
package resilience

// tracerName is the instrumentation scope used for resilience metrics.
const tracerName = "evalorc"
