// Package normalize turns raw RFC 822 bytes into the canonical form used for
// matching and alerting. It is best-effort: malformed input degrades to empty
// fields and placeholder text, never to an error.
package normalize
