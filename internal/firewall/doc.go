// Package firewall reconciles the packet filter chains that hold the toxic
// and ban address lists.
//
// # Overview
//
// Each logical list is backed by two iptables chains: one matching on
// source address, jumped to from INPUT, and one matching on destination,
// jumped to from OUTPUT. Chain names come from a lookup table keyed by list
// and direction, for example zesk-ipban-ban-input.
//
// # Chain state
//
// The live state is read with a single "iptables --list -n -v" and parsed
// into a [ChainTable]. Every rule carries its 1-based live index, which is
// what "iptables -D <chain> <index>" needs. An [IPIndex] maps each address to
// the rules mentioning it. State is cached and re-read lazily after any
// mutation.
//
// # Reconciling
//
// [IPTables.SetIPs] converges a list to a desired set: duplicates are
// removed, surplus rules deleted and missing rules appended. Deletions in a
// batch always run from the highest index to the lowest so an earlier
// deletion never shifts a rule still waiting to be deleted.
//
// The package assumes it is the only writer of the chains it manages.
// Another process editing them between a listing and a deletion could make
// a stored index point at a different rule.
package firewall
