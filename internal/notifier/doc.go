// Package notifier mails job output to the schedule owner.
//
// # Recipient
//
// MAILTO in the entry's environment picks the recipient. When it is present
// but empty no mail is sent; when it is absent the owner's account name is
// used. Recipients are checked by SafeRecipient before they ever reach a
// command line.
//
// # Transport
//
// Messages are handed to a mail command (sendmail by default) started with
// the owner's identity. The command template may contain a single "%s",
// replaced by the recipient. Spawns can be throttled with a token bucket.
package notifier
