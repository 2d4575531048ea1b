// Package messaging implements the reliability layer between application
// code and the broker transport: envelope-based publishing with confirms and
// retry, a consumer dispatcher that owns every acknowledgement decision,
// bounded redelivery with application-level counting, duplicate suppression,
// deferred and recurring publishing, and correlated request/reply.
//
// The dispatcher computes exactly one outcome per delivery: acknowledge,
// requeue via republish of an incremented copy, or reject to the dead-letter
// route. Consumers report success or failure through their return value and
// never touch the broker acknowledgement API.
package messaging
