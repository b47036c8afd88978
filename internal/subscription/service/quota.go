package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/tallybill/internal/tenant/domain"
)

// CheckQuota reports whether the tenant may create another invoice. It reads
// without locking and never mutates.
func (r *Reconciler) CheckQuota(ctx context.Context, tenantID snowflake.ID) (tenantdomain.Quota, error) {
	tenant, err := r.repo.FindByID(ctx, r.db, tenantID)
	if err != nil {
		return tenantdomain.Quota{}, err
	}
	if tenant == nil {
		return tenantdomain.Quota{}, tenantdomain.ErrNotFound
	}
	return tenant.Quota(), nil
}
