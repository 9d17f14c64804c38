// Audit logging for security-relevant events. Audit entries are structured
// JSONL records, one file per day, kept separate from the category logs so
// they survive log-level changes and can be shipped to the remote system for
// compliance review once connectivity returns.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Offline authentication events
	AuditAuthSuccess   AuditEventType = "auth_success"
	AuditAuthFailure   AuditEventType = "auth_failure"
	AuditAuthLockout   AuditEventType = "auth_lockout"
	AuditAuthMalformed AuditEventType = "auth_malformed"

	// Session lifecycle events
	AuditSessionCreate  AuditEventType = "session_create"
	AuditSessionRestore AuditEventType = "session_restore"
	AuditSessionLogout  AuditEventType = "session_logout"
	AuditSessionExpired AuditEventType = "session_expired"

	// Sync queue events
	AuditSyncDrain      AuditEventType = "sync_drain"
	AuditSyncQuarantine AuditEventType = "sync_quarantine"
	AuditSyncRejected   AuditEventType = "sync_rejected"

	// PIN management events
	AuditPINSet AuditEventType = "pin_set"
)

// AuditEntry is one structured audit record.
type AuditEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Event     AuditEventType         `json:"event"`
	UserID    int64                  `json:"user_id,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditMu   sync.Mutex
	auditFile *os.File
	auditDay  string
)

// Audit appends one audit record. Failures to write the audit trail are
// reported to stderr but never propagated: audit logging must not be able to
// block an authentication or a drain.
func Audit(event AuditEventType, userID int64, detail string) {
	AuditFields(event, userID, detail, nil)
}

// AuditFields appends an audit record with extra structured fields.
func AuditFields(event AuditEventType, userID int64, detail string, fields map[string]interface{}) {
	optsMu.RLock()
	enabled := opts.Enabled
	optsMu.RUnlock()
	if !enabled || logsDir == "" {
		return
	}

	entry := AuditEntry{
		Timestamp: time.Now().UnixMilli(),
		Event:     event,
		UserID:    userID,
		Detail:    detail,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[audit] marshal failed: %v\n", err)
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	day := time.Now().Format("2006-01-02")
	if auditFile == nil || day != auditDay {
		if auditFile != nil {
			auditFile.Close()
			auditFile = nil
		}
		path := filepath.Join(logsDir, fmt.Sprintf("%s_audit.jsonl", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[audit] open failed: %v\n", err)
			return
		}
		auditFile = f
		auditDay = day
	}

	if _, err := auditFile.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "[audit] write failed: %v\n", err)
	}
}

// CloseAudit closes the audit file (call at shutdown).
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}
