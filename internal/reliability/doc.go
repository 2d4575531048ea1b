// Package reliability provides the retry and circuit breaker primitives used
// around broker I/O. Retry policies only act on the transient failure class:
// errors that classify themselves as non-retryable (configuration mistakes,
// serialization failures) stop the loop on the first attempt.
package reliability
