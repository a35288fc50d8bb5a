// Package sieveengine evaluates Sieve (RFC 5228) filter scripts against
// inbound messages during local delivery.
//
// Scripts are compiled once per account and evaluated per message:
//
//	require ["fileinto"];
//	if header :contains "subject" "[URGENT]" {
//	    fileinto "Important";
//	}
//
// The engine folds the interpreter state into a single Result: keep,
// discard, fileinto or redirect, plus any IMAP flags the script set. A
// script with no explicit action yields the implicit keep. Scripts cannot
// touch the file system or the network; a failed evaluation falls back to
// keep so a broken script never loses mail.
package sieveengine
