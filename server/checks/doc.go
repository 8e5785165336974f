// Package checks adapts external verdict sources to the policy
// interfaces: clamd for malware and phishing, SPF, DKIM, DNS block lists
// and a header driven spam filter that learns from user corrections.
package checks
