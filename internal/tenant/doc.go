// Package tenant builds the immutable list of monitored mailboxes from the
// positional, comma separated configuration lists.
//
// Entry i of every list belongs to mailbox i. Within one entry "+" separates
// multiple values (tags, allowed senders, extra keywords). Missing trailing
// entries default to empty.
package tenant
