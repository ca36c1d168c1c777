// Package outbox drains the email outbox: it claims pending rows, renders
// them, hands them to a delivery provider and records each outcome.
//
// The dispatcher holds no state between invocations. Mutual exclusion
// between concurrent invocations comes entirely from the store's claim,
// so any number of triggers may run at once.
//
// Store implementations live in repository/postgres/ and repository/memory/.
package outbox
