// Package notifier delivers billing alerts to Telegram chats.
//
// # Delivery
//
// Alerts are posted with the Bot API sendMessage method. Each send goes
// through a token-bucket limiter. Rate-limit answers (HTTP 429) are honoured
// by sleeping Retry-After seconds; such waits do not consume an attempt.
// Transport errors and 5xx answers back off exponentially (2^attempt s). Any
// other 4xx is permanent.
//
// Delivery is at-least-once from the caller's point of view: a failed send is
// logged and reported, never queued.
package notifier
