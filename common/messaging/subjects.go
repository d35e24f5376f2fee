package messaging

import "strings"

// Subjects follow the pattern {domain}.{resource}.{qualifier}.
const (
	// SubjectCRMSyncEvents receives accepted webhook events; append .{event_type}.
	SubjectCRMSyncEvents = "crmsync.events"

	// SubjectCRMSyncReconcile receives events awaiting reconciliation; append .{reason}.
	SubjectCRMSyncReconcile = "crmsync.reconcile"

	// SubjectCRMSyncSynced announces a successful sync; append .{target}.
	SubjectCRMSyncSynced = "crmsync.synced"
)

// Subject joins a base subject and a qualifier token, replacing characters
// NATS treats specially.
func Subject(base, token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		token = "unknown"
	}
	token = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(token)
	return base + "." + token
}

// Wildcard returns the subject matching every qualifier under base.
func Wildcard(base string) string {
	return base + ".>"
}
