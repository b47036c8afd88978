package authorization

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeByRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		role    string
		object  string
		action  string
		allowed bool
	}{
		{RoleOwner, ObjectSubscription, ActionSubscriptionCheckout, true},
		{RoleOwner, ObjectConnect, ActionConnectOnboard, true},
		{RoleAdmin, ObjectSubscription, ActionSubscriptionCheckout, true},
		{RoleMember, ObjectInvoice, ActionInvoiceCheckout, true},
		{RoleMember, ObjectQuota, ActionQuotaView, true},
		{RoleMember, ObjectSubscription, ActionSubscriptionCheckout, false},
		{RoleMember, ObjectConnect, ActionConnectOnboard, false},
		{"guest", ObjectInvoice, ActionInvoiceCheckout, false},
	}

	for _, tc := range cases {
		t.Run(tc.role+"/"+tc.action, func(t *testing.T) {
			err := svc.Authorize(ctx, Actor{ProfileID: 11, TenantID: 7, Role: tc.role}, tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestAuthorizeFollowsRoleChanges(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, Actor{ProfileID: 11, TenantID: 7, Role: RoleOwner}, ObjectConnect, ActionConnectOnboard))

	err := svc.Authorize(ctx, Actor{ProfileID: 11, TenantID: 7, Role: RoleMember}, ObjectConnect, ActionConnectOnboard)
	assert.ErrorIs(t, err, ErrForbidden, "a demoted profile loses the previous grant")
}

func TestAuthorizeRejectsIncompleteActor(t *testing.T) {
	svc := newTestService(t)

	err := svc.Authorize(context.Background(), Actor{TenantID: 7, Role: RoleOwner}, ObjectQuota, ActionQuotaView)
	assert.ErrorIs(t, err, ErrInvalidActor)

	err = svc.Authorize(context.Background(), Actor{ProfileID: 1, TenantID: 7}, ObjectQuota, ActionQuotaView)
	assert.ErrorIs(t, err, ErrForbidden)
}
