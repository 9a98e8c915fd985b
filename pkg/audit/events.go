package audit

import (
	"strconv"
	"time"
)

// Severity represents syslog severity levels per RFC 5424.
type Severity int

const (
	SeverityWarning Severity = 4
	SeverityNotice  Severity = 5
	SeverityInfo    Severity = 6
)

// String returns the human-readable name for a severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a security-relevant audit event.
type EventType string

const (
	EventDeviceEnroll      EventType = "device.enroll"
	EventDeviceRetire      EventType = "device.retire"
	EventDeviceResurrect   EventType = "device.resurrect"
	EventPolicyCreate      EventType = "policy.create"
	EventPolicyRevoke      EventType = "policy.revoke"
	EventPolicyInstantiate EventType = "policy.instantiate"
	EventAppraisalTrusted  EventType = "appraisal.trusted"
	EventAppraisalFailed   EventType = "appraisal.failed"
)

// AllEventTypes returns every defined event type for iteration and validation.
func AllEventTypes() []EventType {
	return []EventType{
		EventDeviceEnroll,
		EventDeviceRetire,
		EventDeviceResurrect,
		EventPolicyCreate,
		EventPolicyRevoke,
		EventPolicyInstantiate,
		EventAppraisalTrusted,
		EventAppraisalFailed,
	}
}

var severityMap = map[EventType]Severity{
	EventDeviceEnroll:      SeverityNotice,
	EventDeviceRetire:      SeverityWarning,
	EventDeviceResurrect:   SeverityNotice,
	EventPolicyCreate:      SeverityNotice,
	EventPolicyRevoke:      SeverityWarning,
	EventPolicyInstantiate: SeverityNotice,
	EventAppraisalTrusted:  SeverityInfo,
	EventAppraisalFailed:   SeverityWarning,
}

// SeverityFor returns the syslog severity for a given event type.
// Unknown event types return SeverityWarning.
func SeverityFor(et EventType) Severity {
	if s, ok := severityMap[et]; ok {
		return s
	}
	return SeverityWarning
}

// Event represents a security-relevant audit event with structured fields.
type Event struct {
	Type      EventType
	Severity  Severity
	Timestamp time.Time
	ActorID   string            // operator name, or the device id for evidence submissions
	RequestID string            // Correlation ID for request tracing
	Details   map[string]string // Event-specific fields
}

func newEvent(et EventType, actorID string, details map[string]string) Event {
	if details == nil {
		details = map[string]string{}
	}
	return Event{
		Type:      et,
		Severity:  SeverityFor(et),
		Timestamp: time.Now(),
		ActorID:   actorID,
		Details:   details,
	}
}

// WithRequestID returns a copy of the event tagged with a correlation id.
func (e Event) WithRequestID(id string) Event {
	e.RequestID = id
	return e
}

// NewDeviceEnroll creates a device.enroll event. replaced lists the devices
// retired because they shared the hardware fingerprint.
func NewDeviceEnroll(actorID string, deviceID int64, hwid string, replaced int) Event {
	return newEvent(EventDeviceEnroll, actorID, map[string]string{
		"device_id": formatID(deviceID),
		"hwid":      hwid,
		"replaced":  strconv.Itoa(replaced),
	})
}

// NewDeviceRetire creates a device.retire event.
func NewDeviceRetire(actorID string, deviceID int64) Event {
	return newEvent(EventDeviceRetire, actorID, map[string]string{
		"device_id": formatID(deviceID),
	})
}

// NewDeviceResurrect creates a device.resurrect event.
func NewDeviceResurrect(actorID string, oldID, newID int64, state string) Event {
	return newEvent(EventDeviceResurrect, actorID, map[string]string{
		"device_id":   formatID(newID),
		"replaces_id": formatID(oldID),
		"state":       state,
	})
}

// NewPolicyCreate creates a policy.create event.
func NewPolicyCreate(actorID string, policyID int64, kind string, devices int) Event {
	return newEvent(EventPolicyCreate, actorID, map[string]string{
		"policy_id": formatID(policyID),
		"kind":      kind,
		"devices":   strconv.Itoa(devices),
	})
}

// NewPolicyRevoke creates a policy.revoke event.
func NewPolicyRevoke(actorID string, policyID int64) Event {
	return newEvent(EventPolicyRevoke, actorID, map[string]string{
		"policy_id": formatID(policyID),
	})
}

// NewPolicyInstantiate creates a policy.instantiate event for a template
// policy that captured its first report.
func NewPolicyInstantiate(policyID, deviceID int64) Event {
	return newEvent(EventPolicyInstantiate, formatID(deviceID), map[string]string{
		"policy_id": formatID(policyID),
		"device_id": formatID(deviceID),
	})
}

// NewAppraisal creates an appraisal.trusted or appraisal.failed event.
func NewAppraisal(deviceID int64, appraisalID string, policyID int64, verdict bool, annotations int) Event {
	et := EventAppraisalFailed
	if verdict {
		et = EventAppraisalTrusted
	}
	return newEvent(et, formatID(deviceID), map[string]string{
		"appraisal_id": appraisalID,
		"policy_id":    formatID(policyID),
		"annotations":  strconv.Itoa(annotations),
	})
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
