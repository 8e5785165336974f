// Package sieveengine runs per-account SIEVE (RFC 5228) content filters on
// inbound mail.
//
// A script may keep, discard, file into a folder, redirect, flag, or
// answer with a vacation notice:
//
//	require ["fileinto", "imap4flags"];
//
//	if header :contains "X-Spam-Flag" "YES" {
//	    fileinto "Junk";
//	    stop;
//	}
//	if address :is "from" "boss@company.com" {
//	    addflag "\\Flagged";
//	}
//
// Vacation replies are rate limited through a VacationOracle so a sender
// hears back at most once per :days window.
package sieveengine
