package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// provisioningTimeout bounds the database round trips of the email-first
// path; a slow directory must not hold the socket open indefinitely.
const provisioningTimeout = 10 * time.Second

// handleAuth dispatches the auth frame to one of the three credential paths.
// Exactly one credential drives the path; a frame carrying none is a
// failure. Authentication failures send a typed auth-error and close the
// socket, unlike every other message class.
func (h *Handler) handleAuth(conn *Conn, payload types.AuthPayload) {
	switch {
	case payload.StudentToken != "":
		h.authStudentToken(conn, payload)
	case payload.UserToken != "":
		h.authStaff(conn, payload)
	case payload.StudentEmail != "":
		h.authStudentEmail(conn, payload)
	default:
		h.authFailure(conn, MsgMissingCredentials)
	}
}

// authStudentToken is the returning-device path: verify the signed device
// token and join the tenant it names. The claims, not the frame, decide
// tenant and device identity.
func (h *Handler) authStudentToken(conn *Conn, payload types.AuthPayload) {
	claims, err := h.tokens.VerifyDeviceToken(payload.StudentToken)
	if err != nil {
		if errors.Is(err, interfaces.ErrTokenExpired) {
			h.authFailure(conn, MsgTokenExpired)
		} else {
			h.authFailure(conn, MsgInvalidToken)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisioningTimeout)
	defer cancel()

	settings, err := h.settingsForActiveTenant(ctx, claims.TenantID)
	if err != nil {
		h.authFailure(conn, tenantFailureMessage(err))
		return
	}

	conn.SetCredentials(types.RoleStudent, claims.TenantID, claims.DeviceID, "")
	h.registry.Authenticate(conn)

	h.sendAuthSuccess(conn, types.AuthSuccess{
		Type:     types.MessageTypeAuthSuccess,
		Role:     types.RoleStudent,
		TenantID: claims.TenantID,
		Settings: settings,
	})
	log.Printf("gateway: device %s authenticated in tenant %s (token)", claims.DeviceID, claims.TenantID)
}

// authStudentEmail is the first-contact path: resolve the tenant from the
// email domain, auto-provision the student and device records, mint a device
// token for future connections and announce the device to the tenant's
// staff. The socket can die during the database round trips, so closure is
// re-checked after each await point before continuing.
func (h *Handler) authStudentEmail(conn *Conn, payload types.AuthPayload) {
	if payload.DeviceID == "" || !types.IsValidDeviceID(payload.DeviceID) {
		h.authFailure(conn, MsgMissingDeviceID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisioningTimeout)
	defer cancel()

	tenant, err := h.settings.TenantForEmailDomain(ctx, payload.StudentEmail)
	if err != nil {
		h.authFailure(conn, tenantFailureMessage(err))
		return
	}
	if conn.IsClosed() {
		return
	}

	student, err := h.directory.FindOrCreateStudent(ctx, tenant.ID, payload.StudentEmail)
	if err != nil {
		log.Printf("gateway: student provisioning failed for %s: %v", payload.StudentEmail, err)
		h.authFailure(conn, MsgProvisioningFailed)
		return
	}
	if conn.IsClosed() {
		return
	}

	if _, err := h.directory.FindOrCreateDevice(ctx, tenant.ID, payload.DeviceID); err != nil {
		log.Printf("gateway: device provisioning failed for %s: %v", payload.DeviceID, err)
		h.authFailure(conn, MsgProvisioningFailed)
		return
	}
	if err := h.directory.LinkDeviceToStudent(ctx, tenant.ID, payload.DeviceID, student.ID); err != nil {
		log.Printf("gateway: device link failed for %s: %v", payload.DeviceID, err)
		h.authFailure(conn, MsgProvisioningFailed)
		return
	}
	if _, err := h.directory.OpenDeviceSession(ctx, tenant.ID, payload.DeviceID); err != nil {
		log.Printf("gateway: session open failed for %s: %v", payload.DeviceID, err)
	}
	if conn.IsClosed() {
		return
	}

	token, err := h.tokens.MintDeviceToken(interfaces.DeviceClaims{
		TenantID:  tenant.ID,
		DeviceID:  payload.DeviceID,
		StudentID: student.ID,
	})
	if err != nil {
		log.Printf("gateway: token mint failed for %s: %v", payload.DeviceID, err)
		h.authFailure(conn, MsgProvisioningFailed)
		return
	}

	settings, err := h.settings.SettingsFor(ctx, tenant.ID)
	if err != nil {
		log.Printf("gateway: settings lookup failed for tenant %s: %v", tenant.ID, err)
		settings = nil
	}
	if conn.IsClosed() {
		return
	}

	conn.SetCredentials(types.RoleStudent, tenant.ID, payload.DeviceID, "")
	h.registry.Authenticate(conn)

	h.sendAuthSuccess(conn, types.AuthSuccess{
		Type:     types.MessageTypeAuthSuccess,
		Role:     types.RoleStudent,
		TenantID: tenant.ID,
		Token:    token,
		Settings: settings,
	})

	h.announceRegistration(types.StudentRegistered{
		Type:     types.MessageTypeStudentRegistered,
		DeviceID: payload.DeviceID,
		Email:    student.Email,
		TenantID: tenant.ID,
	})
	log.Printf("gateway: device %s provisioned for %s in tenant %s", payload.DeviceID, student.Email, tenant.ID)
}

// authStaff is the dashboard path. The requested role and tenant are only a
// request: both must be present in the verified token claims.
func (h *Handler) authStaff(conn *Conn, payload types.AuthPayload) {
	if payload.TenantID == "" {
		h.authFailure(conn, MsgMissingTenantID)
		return
	}
	if !types.IsStaffRole(payload.Role) {
		h.authFailure(conn, MsgRoleNotPermitted)
		return
	}

	claims, err := h.tokens.VerifyUserToken(payload.UserToken)
	if err != nil {
		if errors.Is(err, interfaces.ErrTokenExpired) {
			h.authFailure(conn, MsgTokenExpired)
		} else {
			h.authFailure(conn, MsgInvalidToken)
		}
		return
	}
	if !containsString(claims.Roles, payload.Role) {
		h.authFailure(conn, MsgRoleNotPermitted)
		return
	}
	// Super admins hold every tenant; everyone else must be a member.
	if payload.Role != types.RoleSuperAdmin && !containsString(claims.Tenants, payload.TenantID) {
		h.authFailure(conn, MsgNotAMember)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), provisioningTimeout)
	defer cancel()

	settings, err := h.settingsForActiveTenant(ctx, payload.TenantID)
	if err != nil {
		h.authFailure(conn, tenantFailureMessage(err))
		return
	}

	conn.SetCredentials(payload.Role, payload.TenantID, "", claims.UserID)
	h.registry.Authenticate(conn)

	h.sendAuthSuccess(conn, types.AuthSuccess{
		Type:     types.MessageTypeAuthSuccess,
		Role:     payload.Role,
		TenantID: payload.TenantID,
		Settings: settings,
	})
	log.Printf("gateway: user %s authenticated as %s in tenant %s", claims.UserID, payload.Role, payload.TenantID)
}

// settingsForActiveTenant loads a tenant, refuses inactive ones and returns
// its settings.
func (h *Handler) settingsForActiveTenant(ctx context.Context, tenantID string) (*types.TenantSettings, error) {
	tenant, err := h.directory.TenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, interfaces.ErrTenantInactive
	}
	return h.settings.SettingsFor(ctx, tenantID)
}

// announceRegistration notifies the tenant's staff, locally and on every
// other instance, that a device just registered.
func (h *Handler) announceRegistration(event types.StudentRegistered) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("gateway: failed to encode registration event: %v", err)
		return
	}

	h.registry.Deliver(types.StaffTarget(event.TenantID), payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.relay.Publish(ctx, types.StaffTarget(event.TenantID), payload)
}

func (h *Handler) sendAuthSuccess(conn *Conn, reply types.AuthSuccess) {
	if err := conn.SendJSON(reply); err != nil {
		log.Printf("gateway: failed to send auth-success: %v", err)
	}
}

// authFailure sends the typed auth-error reply and closes the socket.
func (h *Handler) authFailure(conn *Conn, message string) {
	if err := conn.SendJSON(types.NewAuthError(message)); err != nil {
		log.Printf("gateway: failed to send auth-error: %v", err)
	}
	// No further inbound frames are handled once authentication fails; the
	// socket stays open only long enough for the writer to flush the reply.
	conn.MarkClosing()
	time.AfterFunc(100*time.Millisecond, func() { conn.Close() })
}

// tenantFailureMessage maps directory errors to the wire message the client
// sees. Everything unexpected collapses to a generic unavailability reply.
func tenantFailureMessage(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrTenantNotFound):
		return MsgUnknownDomain
	case errors.Is(err, interfaces.ErrTenantInactive):
		return MsgSchoolDeactivated
	default:
		return MsgSchoolUnavailable
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
