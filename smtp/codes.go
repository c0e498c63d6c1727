// Package smtp has SMTP reply codes relayed to the MTA with gate decisions.
package smtp

// Reply codes.
var (
	C501BadParamSyntax    = 501
	C550MailboxUnavail    = 550
	C554TransactionFailed = 554
)
