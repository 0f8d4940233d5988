// Package notifier forwards scheduler events to operators.
//
// Notifications are small, high-signal messages (a bell fired, a playback
// failed, the scheduler stopped). The service is registered as a scheduler
// listener; HandleEvent only formats and enqueues, so the scheduler never
// waits on the network.
//
// # Pipeline
//
// Enqueued notifications are delivered by a worker under a token-bucket rate
// limit, retried with jittered exponential backoff, and de-duplicated within a
// short window so a store outage reported on every tick does not flood the chat.
//
// # Transport
//
// Delivery goes through a transport.Sender (the Telegram adapter in
// production), keeping this package free of platform details.
package notifier
