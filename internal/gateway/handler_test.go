package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classbridge/internal/auth"
	"classbridge/internal/registry"
	"classbridge/internal/relay"
	"classbridge/internal/tenant"
	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// fakeDirectory is an in-memory Directory for gateway tests.
type fakeDirectory struct {
	mu       sync.Mutex
	tenants  map[string]*types.Tenant // by id
	domains  map[string]*types.Tenant // by domain
	settings map[string]*types.TenantSettings
	students map[string]*types.Student // tenantID+"/"+email
	devices  map[string]*types.Device  // tenantID+"/"+deviceID
	sessions int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants:  make(map[string]*types.Tenant),
		domains:  make(map[string]*types.Tenant),
		settings: make(map[string]*types.TenantSettings),
		students: make(map[string]*types.Student),
		devices:  make(map[string]*types.Device),
	}
}

func (d *fakeDirectory) addTenant(id, domain string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &types.Tenant{ID: id, Name: id, Domain: domain, Active: active}
	d.tenants[id] = t
	d.domains[domain] = t
	d.settings[id] = &types.TenantSettings{
		AllowedDomains: []string{"*." + domain},
		TabLimit:       10,
	}
}

func (d *fakeDirectory) TenantByDomain(_ context.Context, domain string) (*types.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.domains[domain]; ok {
		return t, nil
	}
	return nil, interfaces.ErrTenantNotFound
}

func (d *fakeDirectory) TenantByID(_ context.Context, tenantID string) (*types.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tenants[tenantID]; ok {
		return t, nil
	}
	return nil, interfaces.ErrTenantNotFound
}

func (d *fakeDirectory) TenantSettings(_ context.Context, tenantID string) (*types.TenantSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.settings[tenantID]; ok {
		return s, nil
	}
	return nil, interfaces.ErrTenantNotFound
}

func (d *fakeDirectory) FindOrCreateStudent(_ context.Context, tenantID, email string) (*types.Student, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := tenantID + "/" + strings.ToLower(email)
	if s, ok := d.students[key]; ok {
		return s, nil
	}
	s := &types.Student{ID: uuid.New().String(), TenantID: tenantID, Email: strings.ToLower(email), Created: time.Now()}
	d.students[key] = s
	return s, nil
}

func (d *fakeDirectory) FindOrCreateDevice(_ context.Context, tenantID, deviceID string) (*types.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := tenantID + "/" + deviceID
	if dev, ok := d.devices[key]; ok {
		return dev, nil
	}
	dev := &types.Device{ID: deviceID, TenantID: tenantID, Created: time.Now()}
	d.devices[key] = dev
	return dev, nil
}

func (d *fakeDirectory) LinkDeviceToStudent(_ context.Context, tenantID, deviceID, studentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := tenantID + "/" + deviceID
	dev, ok := d.devices[key]
	if !ok {
		return interfaces.ErrDeviceNotFound
	}
	dev.StudentID = studentID
	return nil
}

func (d *fakeDirectory) OpenDeviceSession(_ context.Context, tenantID, deviceID string) (*types.DeviceSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions++
	return &types.DeviceSession{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		StartTime: time.Now(),
	}, nil
}

func (d *fakeDirectory) DeactivateTenant(_ context.Context, tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tenants[tenantID]; ok {
		t.Active = false
		return nil
	}
	return interfaces.ErrTenantNotFound
}

func (d *fakeDirectory) HealthCheck(context.Context) error { return nil }
func (d *fakeDirectory) Close() error                      { return nil }

// testGateway bundles everything a gateway test needs.
type testGateway struct {
	server    *httptest.Server
	handler   *Handler
	registry  *registry.Registry
	relay     *relay.Relay
	directory *fakeDirectory
	tokens    *auth.Service
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGatewayWithOptions(t, DefaultOptions())
}

func newTestGatewayWithOptions(t *testing.T, opts Options) *testGateway {
	t.Helper()
	return newTestGatewayOn(t, relay.NewMemoryTransport(), newSeededDirectory(), opts)
}

func newSeededDirectory() *fakeDirectory {
	directory := newFakeDirectory()
	directory.addTenant("school-1", "school1.edu", true)
	directory.addTenant("school-2", "school2.edu", true)
	return directory
}

// newTestGatewayOn builds one gateway instance on a given broker, so tests
// can stand up several instances sharing the same transport.
func newTestGatewayOn(t *testing.T, broker interfaces.RelayTransport, directory *fakeDirectory, opts Options) *testGateway {
	t.Helper()

	reg := registry.NewRegistry()
	rel := relay.NewRelay(broker, uuid.New().String(), relay.DefaultCacheTTLs())
	rel.SetTenantDeactivatedHandler(reg.CloseAllForTenant)
	if err := rel.Subscribe(context.Background(), reg); err != nil {
		t.Fatalf("failed to subscribe relay: %v", err)
	}
	tokens := auth.NewService([]byte("device-secret"), []byte("user-secret"), time.Hour, time.Hour)
	provider := tenant.NewProvider(directory)

	handler := NewHandler(reg, rel, tokens, directory, provider, opts)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))

	tg := &testGateway{
		server:    server,
		handler:   handler,
		registry:  reg,
		relay:     rel,
		directory: directory,
		tokens:    tokens,
	}
	t.Cleanup(server.Close)
	return tg
}

func (tg *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// authStudent connects and authenticates a device with a freshly minted
// token, returning the open client socket.
func (tg *testGateway) authStudent(t *testing.T, tenantID, deviceID string) *websocket.Conn {
	t.Helper()
	token, err := tg.tokens.MintDeviceToken(interfaces.DeviceClaims{TenantID: tenantID, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("failed to mint device token: %v", err)
	}
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: token})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success for student, got %v", reply)
	}
	return ws
}

// authTeacher connects and authenticates a staff socket as teacher.
func (tg *testGateway) authTeacher(t *testing.T, tenantID string) *websocket.Conn {
	t.Helper()
	return tg.authStaffRole(t, tenantID, types.RoleTeacher)
}

func (tg *testGateway) authStaffRole(t *testing.T, tenantID, role string) *websocket.Conn {
	t.Helper()
	token, err := tg.tokens.MintUserToken(interfaces.UserClaims{
		UserID:  "user-" + role,
		Roles:   []string{role},
		Tenants: []string{tenantID},
	})
	if err != nil {
		t.Fatalf("failed to mint user token: %v", err)
	}
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: role, TenantID: tenantID, UserToken: token})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success for %s, got %v", role, reply)
	}
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

// readReply reads one frame with a bounded deadline.
func readReply(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]interface{}
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	return reply
}

// expectSilence asserts that no frame arrives within the window.
func expectSilence(t *testing.T, ws *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(window))
	var reply map[string]interface{}
	if err := ws.ReadJSON(&reply); err == nil {
		t.Fatalf("expected no message, got %v", reply)
	}
}

func TestAuthWithValidDeviceToken(t *testing.T) {
	tg := newTestGateway(t)
	token, err := tg.tokens.MintDeviceToken(interfaces.DeviceClaims{TenantID: "school-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: token})

	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success, got %v", reply)
	}
	if reply["role"] != types.RoleStudent {
		t.Errorf("expected role student, got %v", reply["role"])
	}
	if reply["tenantId"] != "school-1" {
		t.Errorf("expected tenant school-1, got %v", reply["tenantId"])
	}
	if reply["settings"] == nil {
		t.Error("expected tenant settings in auth-success")
	}
	if _, ok := reply["token"]; ok {
		t.Error("token auth should not re-issue a token")
	}
}

func TestAuthWithExpiredTokenAsksForReRegistration(t *testing.T) {
	tg := newTestGateway(t)
	// A service with a negative lifetime mints already-expired tokens that
	// still verify against the same secrets.
	expired := auth.NewService([]byte("device-secret"), []byte("user-secret"), -time.Hour, -time.Hour)
	token, err := expired.MintDeviceToken(interfaces.DeviceClaims{TenantID: "school-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: token})

	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthError {
		t.Fatalf("expected auth-error, got %v", reply)
	}
	if reply["message"] != MsgTokenExpired {
		t.Errorf("expected %q, got %v", MsgTokenExpired, reply["message"])
	}
}

func TestAuthWithGarbledToken(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: "not-a-token"})

	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthError {
		t.Fatalf("expected auth-error, got %v", reply)
	}
	if reply["message"] != MsgInvalidToken {
		t.Errorf("expected %q, got %v", MsgInvalidToken, reply["message"])
	}

	// The gateway closes the socket after an auth failure.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected connection to close after auth failure")
	}
}

func TestAuthWithoutCredentials(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent})

	reply := readReply(t, ws)
	if reply["message"] != MsgMissingCredentials {
		t.Errorf("expected %q, got %v", MsgMissingCredentials, reply["message"])
	}
}

func TestEmailProvisioningHappyPath(t *testing.T) {
	tg := newTestGateway(t)
	teacher := tg.authTeacher(t, "school-1")

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{
		Type:         types.MessageTypeAuth,
		Role:         types.RoleStudent,
		StudentEmail: "Alice@School1.edu",
		DeviceID:     "chromebook-7",
	})

	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success, got %v", reply)
	}
	token, _ := reply["token"].(string)
	if token == "" {
		t.Fatal("provisioning should issue a device token")
	}
	claims, err := tg.tokens.VerifyDeviceToken(token)
	if err != nil {
		t.Fatalf("issued token failed verification: %v", err)
	}
	if claims.TenantID != "school-1" || claims.DeviceID != "chromebook-7" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	// Staff dashboards learn about the new device.
	event := readReply(t, teacher)
	if event["type"] != types.MessageTypeStudentRegistered {
		t.Fatalf("expected student-registered on teacher socket, got %v", event)
	}
	if event["deviceId"] != "chromebook-7" {
		t.Errorf("expected deviceId chromebook-7, got %v", event["deviceId"])
	}
	if event["email"] != "alice@school1.edu" {
		t.Errorf("expected lowercased email, got %v", event["email"])
	}
}

func TestEmailProvisioningUnknownDomain(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{
		Type:         types.MessageTypeAuth,
		Role:         types.RoleStudent,
		StudentEmail: "kid@nowhere.example",
		DeviceID:     "dev-1",
	})

	reply := readReply(t, ws)
	if reply["message"] != MsgUnknownDomain {
		t.Errorf("expected %q, got %v", MsgUnknownDomain, reply["message"])
	}
}

func TestEmailProvisioningDeactivatedTenant(t *testing.T) {
	tg := newTestGateway(t)
	tg.directory.addTenant("closed", "closed.edu", false)

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{
		Type:         types.MessageTypeAuth,
		Role:         types.RoleStudent,
		StudentEmail: "kid@closed.edu",
		DeviceID:     "dev-1",
	})

	reply := readReply(t, ws)
	if reply["message"] != MsgSchoolDeactivated {
		t.Errorf("expected %q, got %v", MsgSchoolDeactivated, reply["message"])
	}
}

func TestEmailProvisioningRequiresDeviceID(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentEmail: "kid@school1.edu"})

	reply := readReply(t, ws)
	if reply["message"] != MsgMissingDeviceID {
		t.Errorf("expected %q, got %v", MsgMissingDeviceID, reply["message"])
	}
}

func TestStaffRoleMustBeInClaims(t *testing.T) {
	tg := newTestGateway(t)
	token, err := tg.tokens.MintUserToken(interfaces.UserClaims{
		UserID:  "user-1",
		Roles:   []string{types.RoleTeacher},
		Tenants: []string{"school-1"},
	})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleSchoolAdmin, TenantID: "school-1", UserToken: token})

	reply := readReply(t, ws)
	if reply["message"] != MsgRoleNotPermitted {
		t.Errorf("expected %q, got %v", MsgRoleNotPermitted, reply["message"])
	}
}

func TestStaffTenantMembershipEnforced(t *testing.T) {
	tg := newTestGateway(t)
	token, err := tg.tokens.MintUserToken(interfaces.UserClaims{
		UserID:  "user-1",
		Roles:   []string{types.RoleTeacher},
		Tenants: []string{"school-2"},
	})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleTeacher, TenantID: "school-1", UserToken: token})

	reply := readReply(t, ws)
	if reply["message"] != MsgNotAMember {
		t.Errorf("expected %q, got %v", MsgNotAMember, reply["message"])
	}
}

func TestSuperAdminReachesAnyTenant(t *testing.T) {
	tg := newTestGateway(t)
	token, err := tg.tokens.MintUserToken(interfaces.UserClaims{
		UserID: "admin-1",
		Roles:  []string{types.RoleSuperAdmin},
	})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleSuperAdmin, TenantID: "school-1", UserToken: token})

	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success for super admin, got %v", reply)
	}
}

func TestPreAuthMessagesDropped(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.dial(t)

	// Pre-auth traffic is dropped without a reply, so the first frame the
	// client ever reads is the auth-success for the auth that follows.
	sendJSON(t, ws, map[string]string{"type": types.MessageTypeHeartbeat})
	sendJSON(t, ws, map[string]string{"type": types.MessageTypeOffer, "to": "teacher"})

	token, err := tg.tokens.MintDeviceToken(interfaces.DeviceClaims{TenantID: "school-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: token})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success as first reply, got %v", reply)
	}
}

func TestUnknownMessageTypeKeepsConnectionOpen(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.authStudent(t, "school-1", "dev-1")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	sendJSON(t, ws, map[string]string{"type": types.MessageTypeHeartbeat})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypePong {
		t.Fatalf("expected pong after unknown-type frame, got %v", reply)
	}
}

func TestHeartbeatAnswersPongAndReplicatesLastSeen(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.authStudent(t, "school-1", "dev-1")

	sendJSON(t, ws, map[string]string{"type": types.MessageTypeHeartbeat})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypePong {
		t.Fatalf("expected pong, got %v", reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		seen, err := tg.relay.GetDeviceLastSeen(context.Background(), "dev-1")
		if err != nil {
			t.Fatalf("last-seen lookup failed: %v", err)
		}
		if !seen.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat did not replicate last-seen")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalFromStudentReachesTeachers(t *testing.T) {
	tg := newTestGateway(t)
	teacher := tg.authTeacher(t, "school-1")
	student := tg.authStudent(t, "school-1", "dev-1")

	sendJSON(t, student, types.SignalPayload{
		Type: types.MessageTypeOffer,
		To:   "teacher",
		Data: json.RawMessage(`{"sdp":"v=0"}`),
	})

	frame := readReply(t, teacher)
	if frame["type"] != types.MessageTypeOffer {
		t.Fatalf("expected offer on teacher socket, got %v", frame)
	}
	if frame["from"] != "dev-1" {
		t.Errorf("expected from stamped with device id, got %v", frame["from"])
	}
}

func TestSignalFromTeacherReachesDevice(t *testing.T) {
	tg := newTestGateway(t)
	teacher := tg.authTeacher(t, "school-1")
	student := tg.authStudent(t, "school-1", "dev-1")

	sendJSON(t, teacher, types.SignalPayload{
		Type: types.MessageTypeAnswer,
		To:   "dev-1",
		Data: json.RawMessage(`{"sdp":"v=0"}`),
	})

	frame := readReply(t, student)
	if frame["type"] != types.MessageTypeAnswer {
		t.Fatalf("expected answer on device socket, got %v", frame)
	}
	if frame["from"] != "teacher" {
		t.Errorf("expected from teacher, got %v", frame["from"])
	}
}

func TestSignalDoesNotReachSchoolAdmins(t *testing.T) {
	tg := newTestGateway(t)
	admin := tg.authStaffRole(t, "school-1", types.RoleSchoolAdmin)
	teacher := tg.authTeacher(t, "school-1")
	student := tg.authStudent(t, "school-1", "dev-1")

	sendJSON(t, student, types.SignalPayload{Type: types.MessageTypeICE, To: "teacher"})

	if frame := readReply(t, teacher); frame["type"] != types.MessageTypeICE {
		t.Fatalf("expected ice on teacher socket, got %v", frame)
	}
	// Signaling to "teacher" addresses the teacher role only, not all staff.
	expectSilence(t, admin, 300*time.Millisecond)
}

func TestControlCommandRequiresStaff(t *testing.T) {
	tg := newTestGateway(t)
	sender := tg.authStudent(t, "school-1", "dev-1")
	target := tg.authStudent(t, "school-1", "dev-2")

	sendJSON(t, sender, types.ControlPayload{Type: types.MessageTypeRequestStream, DeviceID: "dev-2"})
	expectSilence(t, target, 300*time.Millisecond)
}

func TestControlCommandFromTeacher(t *testing.T) {
	tg := newTestGateway(t)
	teacher := tg.authTeacher(t, "school-1")
	student := tg.authStudent(t, "school-1", "dev-1")

	sendJSON(t, teacher, types.ControlPayload{Type: types.MessageTypeRequestStream, DeviceID: "dev-1"})

	frame := readReply(t, student)
	if frame["type"] != types.MessageTypeRequestStream {
		t.Fatalf("expected request-stream on device socket, got %v", frame)
	}
}

func TestCrossTenantIsolation(t *testing.T) {
	tg := newTestGateway(t)
	teacherA := tg.authTeacher(t, "school-1")
	teacherB := tg.authTeacher(t, "school-2")

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{
		Type:         types.MessageTypeAuth,
		Role:         types.RoleStudent,
		StudentEmail: "kid@school2.edu",
		DeviceID:     "dev-b",
	})
	if reply := readReply(t, ws); reply["type"] != types.MessageTypeAuthSuccess {
		t.Fatalf("expected auth-success, got %v", reply)
	}

	if event := readReply(t, teacherB); event["type"] != types.MessageTypeStudentRegistered {
		t.Fatalf("expected registration event in school-2, got %v", event)
	}
	expectSilence(t, teacherA, 300*time.Millisecond)
}

func TestSignalRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.SignalRateLimit = 3
	tg := newTestGatewayWithOptions(t, opts)

	teacher := tg.authTeacher(t, "school-1")
	student := tg.authStudent(t, "school-1", "dev-1")

	for i := 0; i < 5; i++ {
		sendJSON(t, student, types.SignalPayload{
			Type: types.MessageTypeICE,
			To:   "teacher",
			Data: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		})
	}

	received := 0
	for {
		_ = teacher.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var frame map[string]interface{}
		if err := teacher.ReadJSON(&frame); err != nil {
			break
		}
		received++
	}
	if received != 3 {
		t.Errorf("expected 3 frames through the rate limiter, got %d", received)
	}
}

func TestUnansweredPingTerminatesConnection(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.PongWait = 50 * time.Millisecond
	tg := newTestGatewayWithOptions(t, opts)

	ws := tg.authStudent(t, "school-1", "dev-1")
	// Swallow pings instead of answering them.
	ws.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected termination within interval+wait, took %v", elapsed)
	}
}

func TestDisconnectRemovesFromRegistry(t *testing.T) {
	tg := newTestGateway(t)
	ws := tg.authStudent(t, "school-1", "dev-1")

	waitForStat(t, tg.registry, "student_connections", 1)
	ws.Close()
	waitForStat(t, tg.registry, "total_connections", 0)
}

func waitForStat(t *testing.T, reg *registry.Registry, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if reg.Stats()[key] == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry stat %s never reached %d (stats: %v)", key, want, reg.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControlCommandCrossesInstances(t *testing.T) {
	broker := relay.NewMemoryTransport()
	directory := newSeededDirectory()
	gwA := newTestGatewayOn(t, broker, directory, DefaultOptions())
	gwB := newTestGatewayOn(t, broker, directory, DefaultOptions())

	teacher := gwA.authTeacher(t, "school-1")
	student := gwB.authStudent(t, "school-1", "dev-1")

	sendJSON(t, teacher, types.ControlPayload{Type: types.MessageTypeRequestStream, DeviceID: "dev-1"})

	frame := readReply(t, student)
	if frame["type"] != types.MessageTypeRequestStream {
		t.Fatalf("expected request-stream on the other instance, got %v", frame)
	}
	if frame["from"] != "teacher" {
		t.Errorf("expected from teacher, got %v", frame["from"])
	}

	// And the student's reply crosses back.
	sendJSON(t, student, types.SignalPayload{Type: types.MessageTypeAnswer, To: "teacher", Data: json.RawMessage(`{"sdp":"x"}`)})
	reply := readReply(t, teacher)
	if reply["type"] != types.MessageTypeAnswer {
		t.Fatalf("expected answer back on first instance, got %v", reply)
	}
	if reply["from"] != "dev-1" {
		t.Errorf("expected from dev-1, got %v", reply["from"])
	}
}

func TestTenantDeactivationClosesRemoteConnections(t *testing.T) {
	broker := relay.NewMemoryTransport()
	directory := newSeededDirectory()
	gwA := newTestGatewayOn(t, broker, directory, DefaultOptions())
	gwB := newTestGatewayOn(t, broker, directory, DefaultOptions())

	student := gwB.authStudent(t, "school-1", "dev-1")
	waitForStat(t, gwB.registry, "student_connections", 1)

	gwA.relay.PublishTenantDeactivated(context.Background(), "school-1")

	waitForStat(t, gwB.registry, "total_connections", 0)
	_ = student.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := student.ReadMessage(); err != nil {
			break
		}
	}
}

func TestAuthFailureStopsFurtherProcessing(t *testing.T) {
	tg := newTestGateway(t)
	token, err := tg.tokens.MintDeviceToken(interfaces.DeviceClaims{TenantID: "school-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	ws := tg.dial(t)
	sendJSON(t, ws, types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: "not-a-token"})
	reply := readReply(t, ws)
	if reply["type"] != types.MessageTypeAuthError {
		t.Fatalf("expected auth-error, got %v", reply)
	}

	// A valid credential arriving while the auth-error flushes must not win.
	_ = ws.WriteJSON(types.AuthPayload{Type: types.MessageTypeAuth, Role: types.RoleStudent, StudentToken: token})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame map[string]interface{}
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame["type"] == types.MessageTypeAuthSuccess {
			t.Fatal("authenticated after a failed attempt on the same socket")
		}
	}
}
