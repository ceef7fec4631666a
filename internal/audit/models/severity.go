package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is ordered: DEBUG < INFO < WARN < ERROR < CRITICAL.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// NotificationChannel is where an event of a given severity should be routed.
type NotificationChannel string

const (
	ChannelLog   NotificationChannel = "LOG"
	ChannelEmail NotificationChannel = "EMAIL"
	ChannelSlack NotificationChannel = "SLACK"
	ChannelSMS   NotificationChannel = "SMS"
)

type severityInfo struct {
	level   int
	channel NotificationChannel
	sla     time.Duration // zero means no response SLA
}

var severities = map[Severity]severityInfo{
	SeverityDebug:    {0, ChannelLog, 0},
	SeverityInfo:     {1, ChannelLog, 0},
	SeverityWarn:     {2, ChannelEmail, 4 * time.Hour},
	SeverityError:    {3, ChannelSlack, time.Hour},
	SeverityCritical: {4, ChannelSMS, 15 * time.Minute},
}

// ParseSeverity accepts upper or lower case names. Empty input yields INFO.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityInfo, nil
	}
	sev := Severity(strings.ToUpper(s))
	if _, ok := severities[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

func (s Severity) Valid() bool {
	_, ok := severities[s]
	return ok
}

// Level is the numeric rank, DEBUG=0 … CRITICAL=4.
func (s Severity) Level() int {
	return severities[s].level
}

func (s Severity) NotificationChannel() NotificationChannel {
	if info, ok := severities[s]; ok {
		return info.channel
	}
	return ChannelLog
}

// ResponseSLA returns the response SLA and whether one applies.
func (s Severity) ResponseSLA() (time.Duration, bool) {
	sla := severities[s].sla
	return sla, sla > 0
}

// RequiresNotification is true from WARN upwards.
func (s Severity) RequiresNotification() bool {
	return s.Level() >= SeverityWarn.Level()
}

func (s Severity) MoreSevereThan(other Severity) bool {
	return s.Level() > other.Level()
}
