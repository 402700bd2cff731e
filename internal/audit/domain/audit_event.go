package domain

import "time"

// AuditEvent is one append-only record of a security-relevant action. SubjectID is 0 when the
// actor is unknown (e.g. a failed login for an unregistered email).
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SubjectID int64     `json:"subject_id,omitempty"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	IP        string    `json:"ip,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
}

// Actions recorded by the auth and PHI code paths.
const (
	ActionRegister         = "register"
	ActionLogin            = "login"
	ActionLoginFailure     = "login_failure"
	ActionTokenIssued      = "token_issued"
	ActionTokenRefreshed   = "token_refreshed"
	ActionRefreshFailure   = "refresh_failure"
	ActionRefreshReuse     = "refresh_reuse"
	ActionLogout           = "logout"
	ActionLogoutAll        = "logout_all"
	ActionPasswordChanged  = "password_changed"
	ActionPHIRead          = "phi_read"
	ActionPHIWrite         = "phi_write"
	ActionPHIIntegrityFail = "phi_integrity_failure"
)

// Entities the actions apply to.
const (
	EntitySession       = "session"
	EntityUser          = "user"
	EntityHealthProfile = "health_profile"
)
