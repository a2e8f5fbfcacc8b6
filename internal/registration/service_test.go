package registration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

type recordedEvents struct {
	pending  []uuid.UUID
	approved []uuid.UUID
	rejected []string
}

func (r *recordedEvents) RegistrationPending(req types.RegistrationRequest) {
	r.pending = append(r.pending, req.Identity.ID)
}

func (r *recordedEvents) RegistrationApproved(agentID uuid.UUID) {
	r.approved = append(r.approved, agentID)
}

func (r *recordedEvents) RegistrationRejected(agentID uuid.UUID, reason string) {
	r.rejected = append(r.rejected, reason)
}

func newService(t *testing.T, cfg Config, events Events) (*Service, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.DefaultConfig(), registry.NewInMemoryStore())
	require.NoError(t, err)
	svc, err := New(cfg, reg, events)
	require.NoError(t, err)
	return svc, reg
}

func request(hostname string, capabilities ...string) types.RegistrationRequest {
	return types.RegistrationRequest{
		Identity: types.AgentIdentity{
			ID:         uuid.New(),
			Hostname:   hostname,
			OSVersion:  "14.5",
			AppVersion: "2.1.0",
			SerialHash: "serial-" + hostname,
		},
		Capabilities: capabilities,
	}
}

func TestAutoApproval(t *testing.T) {
	events := &recordedEvents{}
	svc, reg := newService(t, Config{ServerVersion: "1.2.3"}, events)
	ctx := context.Background()
	req := request("mac-01", "cleanup")

	result, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Pending)
	assert.NotEmpty(t, result.AuthToken)
	assert.Equal(t, "1.2.3", result.ServerVersion)
	assert.NotZero(t, result.HeartbeatInterval)

	_, err = reg.Get(ctx, req.Identity.ID)
	assert.NoError(t, err)
	assert.Equal(t, []uuid.UUID{req.Identity.ID}, events.approved)
}

func TestManualApprovalQueue(t *testing.T) {
	events := &recordedEvents{}
	svc, reg := newService(t, Config{Policy: ApproveManual}, events)
	ctx := context.Background()
	req := request("mac-02")

	result, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Pending)
	assert.Empty(t, result.AuthToken)

	// Queued, not registered.
	_, err = reg.Get(ctx, req.Identity.ID)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
	require.Len(t, svc.PendingRequests(), 1)
	assert.Equal(t, []uuid.UUID{req.Identity.ID}, events.pending)

	approved, err := svc.Approve(ctx, req.Identity.ID)
	require.NoError(t, err)
	assert.True(t, approved.Success)
	assert.NotEmpty(t, approved.AuthToken)
	assert.Empty(t, svc.PendingRequests())

	_, err = reg.Get(ctx, req.Identity.ID)
	assert.NoError(t, err)

	// A decided request cannot be decided again.
	_, err = svc.Approve(ctx, req.Identity.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestManualRejection(t *testing.T) {
	events := &recordedEvents{}
	svc, reg := newService(t, Config{Policy: ApproveManual}, events)
	ctx := context.Background()
	req := request("mac-03")

	_, err := svc.Register(ctx, req)
	require.NoError(t, err)

	require.NoError(t, svc.Reject(ctx, req.Identity.ID, "unknown device"))
	assert.Empty(t, svc.PendingRequests())
	assert.Equal(t, []string{"unknown device"}, events.rejected)

	_, err = reg.Get(ctx, req.Identity.ID)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)

	assert.ErrorIs(t, svc.Reject(ctx, req.Identity.ID, "again"), ErrRequestNotFound)
}

func TestBulkDecisions(t *testing.T) {
	svc, _ := newService(t, Config{Policy: ApproveManual}, nil)
	ctx := context.Background()

	a := request("mac-a")
	b := request("mac-b")
	_, err := svc.Register(ctx, a)
	require.NoError(t, err)
	_, err = svc.Register(ctx, b)
	require.NoError(t, err)

	missing := uuid.New()
	results := svc.BulkApprove(ctx, []uuid.UUID{a.Identity.ID, missing})
	assert.NoError(t, results[a.Identity.ID])
	assert.ErrorIs(t, results[missing], ErrRequestNotFound)

	rejections := svc.BulkReject(ctx, []uuid.UUID{b.Identity.ID}, "cleanup")
	assert.NoError(t, rejections[b.Identity.ID])
	assert.Empty(t, svc.PendingRequests())
}

func TestWhitelistPolicy(t *testing.T) {
	events := &recordedEvents{}
	svc, _ := newService(t, Config{
		Policy:          ApproveWhitelist,
		SerialWhitelist: []string{"serial-mac-ok"},
	}, events)
	ctx := context.Background()

	result, err := svc.Register(ctx, request("mac-ok"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	denied, err := svc.Register(ctx, request("mac-other"))
	require.NoError(t, err)
	assert.False(t, denied.Success)
	assert.False(t, denied.Pending)
	assert.Contains(t, denied.Message, "not whitelisted")
	assert.Len(t, events.rejected, 1)
}

func TestHostnamePatternPolicy(t *testing.T) {
	svc, _ := newService(t, Config{
		Policy:          ApproveHostnamePattern,
		HostnamePattern: `^corp-mac-\d+$`,
	}, nil)
	ctx := context.Background()

	result, err := svc.Register(ctx, request("corp-mac-42"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The pattern is case-insensitive.
	result, err = svc.Register(ctx, request("CORP-MAC-7"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	denied, err := svc.Register(ctx, request("rogue-laptop"))
	require.NoError(t, err)
	assert.False(t, denied.Success)
}

func TestHostnamePatternRequired(t *testing.T) {
	reg, err := registry.New(registry.DefaultConfig(), registry.NewInMemoryStore())
	require.NoError(t, err)
	_, err = New(Config{Policy: ApproveHostnamePattern}, reg, nil)
	assert.Error(t, err)
}

func TestValidationOrder(t *testing.T) {
	svc, _ := newService(t, Config{
		RequiredCapabilities: []string{"cleanup", "report"},
		MinimumAppVersion:    "2.0.0",
	}, nil)
	ctx := context.Background()

	// Capability check runs before the version check.
	old := request("mac-old", "cleanup")
	old.Identity.AppVersion = "1.9.0"
	_, err := svc.Register(ctx, old)
	var capErr *MissingCapabilitiesError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, []string{"report"}, capErr.Missing)

	versioned := request("mac-old", "cleanup", "report")
	versioned.Identity.AppVersion = "1.9.0"
	_, err = svc.Register(ctx, versioned)
	var verErr *VersionTooOldError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, "2.0.0", verErr.Minimum)
	assert.Equal(t, "1.9.0", verErr.Actual)

	ok := request("mac-new", "cleanup", "report")
	result, err := svc.Register(ctx, ok)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"2.0.0", "1.9.9", 1},
		{"1.9.9", "2.0.0", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.0", "1.0.0", 0},
		{"1.0.1", "1.0", 1},
		{"1", "1.0.0", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}
