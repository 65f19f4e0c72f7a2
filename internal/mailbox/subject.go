// Package mailbox talks to the mail server: IMAP for approver replies and
// SMTP for outgoing approval requests.
package mailbox

import "fmt"

const (
	// SubjectPrefix starts every approval request subject.
	SubjectPrefix = "Invoice Approval Request"
	// ReplySubjectFilter selects replies to approval requests.
	ReplySubjectFilter = "Re: " + SubjectPrefix
)

// ApprovalSubject builds "<prefix> - <filename> - ID:<id>". The id comes
// last so a reply subject still ends with it.
func ApprovalSubject(filename, invoiceID string) string {
	return fmt.Sprintf("%s - %s - ID:%s", SubjectPrefix, filename, invoiceID)
}
