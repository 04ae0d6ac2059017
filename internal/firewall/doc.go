// Package firewall programs per-client access into the kernel packet filter.
//
// The gateway talks to the filter only through AccessPort. NFTBackend is the
// nftables implementation: every allowed client gets a marking rule in the
// outgoing chain and a counting rule in the incoming chain, and a forward
// chain decides by mark which traffic may leave the captive interface.
//
// Table layout (IPv4 family):
//
//	outgoing  prerouting/mangle  iif + ether saddr + ip saddr, counter, mark set
//	incoming  forward/mangle     ip daddr, counter
//	forward   forward/filter     authservers set, mark verdicts, authdown jump, drop
//	authdown  regular            empty, or a single accept while auth servers are down
package firewall
