package types

import (
	"time"
)

// Role identifies the trust class of a connected client.
// ARCHITECTURAL DISCOVERY: Roles are a closed set validated at the type level
// so routing code never has to defend against arbitrary role strings
const (
	RoleStudent     = "student"
	RoleTeacher     = "teacher"
	RoleSchoolAdmin = "school_admin"
	RoleSuperAdmin  = "super_admin"
)

// TargetKind discriminates the four fan-out shapes exchanged between
// the gateway, the registry and the cross-instance relay.
const (
	TargetStaff    = "staff"    // all authenticated staff of a tenant
	TargetStudents = "students" // all (or selected) students of a tenant
	TargetDevice   = "device"   // one device within a tenant
	TargetRole     = "role"     // all sockets of one exact role within a tenant
)

// FanoutTarget describes who should receive a message.
// FUNCTIONAL DISCOVERY: A single tagged struct instead of four concrete types
// keeps the relay envelope trivially JSON-serializable across instances
type FanoutTarget struct {
	Kind      string   `json:"kind"`
	TenantID  string   `json:"tenant_id"`
	DeviceID  string   `json:"device_id,omitempty"`  // TargetDevice only
	DeviceIDs []string `json:"device_ids,omitempty"` // TargetStudents restriction, nil = all
	Role      string   `json:"role,omitempty"`       // TargetRole only
}

// StaffTarget addresses every authenticated staff socket of a tenant.
func StaffTarget(tenantID string) FanoutTarget {
	return FanoutTarget{Kind: TargetStaff, TenantID: tenantID}
}

// StudentsTarget addresses a tenant's students; deviceIDs restricts delivery
// to an explicit list and nil means all students.
func StudentsTarget(tenantID string, deviceIDs []string) FanoutTarget {
	return FanoutTarget{Kind: TargetStudents, TenantID: tenantID, DeviceIDs: deviceIDs}
}

// DeviceTarget addresses exactly one device within a tenant.
func DeviceTarget(tenantID, deviceID string) FanoutTarget {
	return FanoutTarget{Kind: TargetDevice, TenantID: tenantID, DeviceID: deviceID}
}

// RoleTarget addresses every socket of one exact role within a tenant,
// distinguishing teacher from school_admin from super_admin even though
// all three share the staff index.
func RoleTarget(tenantID, role string) FanoutTarget {
	return FanoutTarget{Kind: TargetRole, TenantID: tenantID, Role: role}
}

// Envelope wraps a fan-out target and an opaque payload for transport
// between gateway processes. Never persisted.
// FUNCTIONAL DISCOVERY: Origin carries the publishing process's identity so
// each subscriber can discard its own envelopes (loop prevention)
type Envelope struct {
	Origin  string       `json:"origin"`
	Target  FanoutTarget `json:"target"`
	Payload []byte       `json:"payload"`
}

// TenantSettings is the per-tenant configuration returned to student
// devices on successful authentication.
type TenantSettings struct {
	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains"`
	TabLimit       int      `json:"tab_limit"`
}

// Tenant is one school, the isolation boundary for all delivery.
type Tenant struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Domain string `json:"domain" db:"domain"`
	Active bool   `json:"active" db:"active"`
}

// Student is a provisioned student record within a tenant.
type Student struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Email    string    `json:"email" db:"email"`
	Created  time.Time `json:"created_at" db:"created_at"`
}

// Device is a student device within a tenant, optionally linked to a student.
type Device struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	StudentID string    `json:"student_id,omitempty" db:"student_id"`
	Created   time.Time `json:"created_at" db:"created_at"`
}

// DeviceSession records one device coming online.
type DeviceSession struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	DeviceID  string     `json:"device_id" db:"device_id"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`
}

// IsStaffRole reports whether role belongs to the staff index.
func IsStaffRole(role string) bool {
	switch role {
	case RoleTeacher, RoleSchoolAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// IsValidRole reports whether role is one of the four known roles.
func IsValidRole(role string) bool {
	return role == RoleStudent || IsStaffRole(role)
}
