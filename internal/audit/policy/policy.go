// Package policy is the static retention table: every audit event type maps to
// a compliance category, a criticality flag and whether it carries personal
// data. Retention periods derive from the category. The table is data, not
// behaviour, so it can be reviewed and tested on its own.
package policy

import (
	"fmt"
	"time"
)

// Category groups event types for retention and reporting.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryAuthorization  Category = "AUTHORIZATION"
	CategoryPersonalData   Category = "PERSONAL_DATA"
	CategoryFinancial      Category = "FINANCIAL"
	CategoryCommunication  Category = "COMMUNICATION"
	CategoryCompliance     Category = "COMPLIANCE"
	CategorySecurity       Category = "SECURITY"
	CategoryError          Category = "ERROR"
	CategorySystem         Category = "SYSTEM"
)

const day = 24 * time.Hour

// retentionDays by category. COMPLIANCE and PERSONAL_DATA follow the 7 year
// LGPD/GDPR horizon.
var retentionDays = map[Category]int{
	CategoryCompliance:     2555,
	CategoryPersonalData:   2555,
	CategoryFinancial:      1825,
	CategoryAuthentication: 1095,
	CategoryAuthorization:  1095,
	CategorySecurity:       2190,
	CategoryError:          365,
}

const defaultRetentionDays = 730

// RetentionDays returns the retention period in days for the category.
func (c Category) RetentionDays() int {
	if d, ok := retentionDays[c]; ok {
		return d
	}
	return defaultRetentionDays
}

// Retention returns the retention period for the category.
func (c Category) Retention() time.Duration {
	return time.Duration(c.RetentionDays()) * day
}

// EventType is the closed set of auditable facts.
type EventType string

const (
	// Authentication
	EventLoginSuccess    EventType = "auth.login.success"
	EventLoginFailure    EventType = "auth.login.failure"
	EventLoginBlocked    EventType = "auth.login.blocked"
	EventLogout          EventType = "auth.logout"
	EventPasswordChanged EventType = "auth.password.changed"
	EventPasswordReset   EventType = "auth.password.reset"
	EventTokenCreated    EventType = "auth.token.created"
	EventTokenRefreshed  EventType = "auth.token.refreshed"
	EventTokenRevoked    EventType = "auth.token.revoked"

	// Authorization
	EventAccessDenied      EventType = "auth.access.denied"
	EventPermissionGranted EventType = "auth.permission.granted"
	EventPermissionRevoked EventType = "auth.permission.revoked"
	EventRoleAssigned      EventType = "auth.role.assigned"
	EventRoleRemoved       EventType = "auth.role.removed"

	// Personal data
	EventDataCreated    EventType = "data.created"
	EventDataAccessed   EventType = "data.accessed"
	EventDataModified   EventType = "data.modified"
	EventDataDeleted    EventType = "data.deleted"
	EventDataExported   EventType = "data.exported"
	EventDataAnonymized EventType = "data.anonymized"

	// Users
	EventUserCreated     EventType = "user.created"
	EventUserUpdated     EventType = "user.updated"
	EventUserDeactivated EventType = "user.deactivated"
	EventUserReactivated EventType = "user.reactivated"

	// Financial
	EventTransactionCreated  EventType = "finance.transaction.created"
	EventTransactionApproved EventType = "finance.transaction.approved"
	EventTransactionRejected EventType = "finance.transaction.rejected"
	EventPaymentProcessed    EventType = "finance.payment.processed"
	EventBalanceChanged      EventType = "finance.balance.changed"

	// Communication
	EventMessageSent      EventType = "comm.message.sent"
	EventMessageEdited    EventType = "comm.message.edited"
	EventMessageDeleted   EventType = "comm.message.deleted"
	EventNotificationSent EventType = "comm.notification.sent"
	EventEmailSent        EventType = "comm.email.sent"

	// System configuration
	EventConfigChanged      EventType = "system.config.changed"
	EventFeatureFlagToggled EventType = "system.feature.toggled"
	EventCacheCleared       EventType = "system.cache.cleared"
	EventBackupCompleted    EventType = "system.backup.completed"

	// Security
	EventIntrusionAttempt   EventType = "security.intrusion.attempt"
	EventKeyRotated         EventType = "security.key.rotated"
	EventCertificateRenewed EventType = "security.certificate.renewed"

	// Compliance
	EventConsentGiven     EventType = "compliance.consent.given"
	EventConsentWithdrawn EventType = "compliance.consent.withdrawn"
	EventRightToBeForgot  EventType = "compliance.right.forgotten"
	EventDataPortability  EventType = "compliance.data.portability"

	// Errors
	EventApplicationError    EventType = "error.application"
	EventDatabaseError       EventType = "error.database"
	EventIntegrationError    EventType = "error.integration"
	EventAuthenticationError EventType = "error.authentication"

	// Monitoring
	EventRateLimitExceeded   EventType = "monitor.rate.limit.exceeded"
	EventResourceUnavailable EventType = "monitor.resource.unavailable"
	EventAlertTriggered      EventType = "monitor.alert.triggered"

	EventCustom EventType = "custom.event"
)

// Policy is the static metadata of one event type.
type Policy struct {
	Type         EventType
	Category     Category
	Critical     bool
	PersonalData bool
	Description  string
}

// RetentionUntil returns the retention horizon for an event created at now.
func (p Policy) RetentionUntil(now time.Time) time.Time {
	return now.Add(p.Category.Retention())
}

type row struct {
	category     Category
	critical     bool
	personalData bool
	description  string
}

var table = map[EventType]row{
	EventLoginSuccess:    {CategoryAuthentication, false, false, "Login succeeded"},
	EventLoginFailure:    {CategoryAuthentication, true, false, "Login attempt failed"},
	EventLoginBlocked:    {CategoryAuthentication, true, false, "Login blocked after repeated failures"},
	EventLogout:          {CategoryAuthentication, false, false, "Logout"},
	EventPasswordChanged: {CategoryAuthentication, true, false, "Password changed by user"},
	EventPasswordReset:   {CategoryAuthentication, true, false, "Password reset requested"},
	EventTokenCreated:    {CategoryAuthentication, false, false, "Token issued"},
	EventTokenRefreshed:  {CategoryAuthentication, false, false, "Token refreshed"},
	EventTokenRevoked:    {CategoryAuthentication, true, false, "Token revoked"},

	EventAccessDenied:      {CategoryAuthorization, true, false, "Access to resource denied"},
	EventPermissionGranted: {CategoryAuthorization, true, false, "Permission granted"},
	EventPermissionRevoked: {CategoryAuthorization, true, false, "Permission revoked"},
	EventRoleAssigned:      {CategoryAuthorization, true, false, "Role assigned to user"},
	EventRoleRemoved:       {CategoryAuthorization, true, false, "Role removed from user"},

	EventDataCreated:    {CategoryPersonalData, true, true, "Personal data created"},
	EventDataAccessed:   {CategoryPersonalData, true, true, "Personal data accessed"},
	EventDataModified:   {CategoryPersonalData, true, true, "Personal data modified"},
	EventDataDeleted:    {CategoryPersonalData, true, true, "Personal data deleted"},
	EventDataExported:   {CategoryPersonalData, true, true, "Personal data exported"},
	EventDataAnonymized: {CategoryPersonalData, true, true, "Personal data anonymized"},

	EventUserCreated:     {CategorySystem, true, true, "User created"},
	EventUserUpdated:     {CategorySystem, true, true, "User data updated"},
	EventUserDeactivated: {CategorySystem, true, false, "User deactivated"},
	EventUserReactivated: {CategorySystem, true, false, "User reactivated"},

	EventTransactionCreated:  {CategoryFinancial, true, false, "Financial transaction created"},
	EventTransactionApproved: {CategoryFinancial, true, false, "Transaction approved"},
	EventTransactionRejected: {CategoryFinancial, true, false, "Transaction rejected"},
	EventPaymentProcessed:    {CategoryFinancial, true, false, "Payment processed"},
	EventBalanceChanged:      {CategoryFinancial, true, false, "Account balance changed"},

	EventMessageSent:      {CategoryCommunication, false, false, "Message sent"},
	EventMessageEdited:    {CategoryCommunication, false, false, "Message edited"},
	EventMessageDeleted:   {CategoryCommunication, false, false, "Message deleted"},
	EventNotificationSent: {CategoryCommunication, false, false, "Notification sent"},
	EventEmailSent:        {CategoryCommunication, false, false, "Email sent"},

	EventConfigChanged:      {CategorySystem, true, false, "System configuration changed"},
	EventFeatureFlagToggled: {CategorySystem, true, false, "Feature flag toggled"},
	EventCacheCleared:       {CategorySystem, false, false, "Cache cleared"},
	EventBackupCompleted:    {CategorySystem, false, false, "Backup completed"},

	EventIntrusionAttempt:   {CategorySecurity, true, false, "Intrusion attempt detected"},
	EventKeyRotated:         {CategorySecurity, true, false, "Cryptographic key rotated"},
	EventCertificateRenewed: {CategorySecurity, false, false, "Certificate renewed"},

	EventConsentGiven:     {CategoryCompliance, true, true, "Consent given"},
	EventConsentWithdrawn: {CategoryCompliance, true, true, "Consent withdrawn"},
	EventRightToBeForgot:  {CategoryCompliance, true, true, "Right to be forgotten exercised"},
	EventDataPortability:  {CategoryCompliance, true, true, "Data portability requested"},

	EventApplicationError:    {CategoryError, true, false, "Application error"},
	EventDatabaseError:       {CategoryError, true, false, "Database error"},
	EventIntegrationError:    {CategoryError, true, false, "External integration error"},
	EventAuthenticationError: {CategoryError, true, false, "Authentication error"},

	EventRateLimitExceeded:   {CategorySystem, true, false, "Rate limit exceeded"},
	EventResourceUnavailable: {CategorySystem, true, false, "Resource unavailable"},
	EventAlertTriggered:      {CategorySystem, true, false, "Monitoring alert triggered"},

	EventCustom: {CategorySystem, false, false, "Custom event"},
}

// Lookup returns the policy for t.
func Lookup(t EventType) (Policy, bool) {
	r, ok := table[t]
	if !ok {
		return Policy{}, false
	}
	return Policy{
		Type:         t,
		Category:     r.category,
		Critical:     r.critical,
		PersonalData: r.personalData,
		Description:  r.description,
	}, true
}

// MustLookup is Lookup for types known at compile time.
func MustLookup(t EventType) Policy {
	p, ok := Lookup(t)
	if !ok {
		panic(fmt.Sprintf("policy: unknown event type %q", t))
	}
	return p
}

// Valid reports whether t is part of the enumeration.
func (t EventType) Valid() bool {
	_, ok := table[t]
	return ok
}

func (t EventType) String() string { return string(t) }

// ParseEventType resolves an event type code such as "auth.login.success".
func ParseEventType(code string) (EventType, error) {
	t := EventType(code)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", code)
	}
	return t, nil
}

// AnonymizationEligible reports whether events of type t carry personal data
// and are therefore subject to the right to be forgotten.
func AnonymizationEligible(t EventType) bool {
	r, ok := table[t]
	return ok && r.personalData
}

// Types returns every known event type.
func Types() []EventType {
	out := make([]EventType, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	return out
}
