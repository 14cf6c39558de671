package auth

const (
	PermCardIssue       = "card.issue"
	PermCardTransition  = "card.transition"
	PermCardRead        = "card.read"
	PermPermissionWrite = "permission.write"
	PermAuditRead       = "audit.read"
)

// AllPermissions is the closed capability catalog for operator tokens.
var AllPermissions = []string{
	PermCardIssue,
	PermCardTransition,
	PermCardRead,
	PermPermissionWrite,
	PermAuditRead,
}
