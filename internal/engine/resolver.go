package engine

import (
	"context"
	"errors"

	"resplan/internal/domain"
	"resplan/internal/repo"
)

// approverPair carries the optionally resolved first- and second-line
// approvers for a resource. A nil entry means the lookup chain broke
// somewhere and anyone holding the step's role may act.
type approverPair struct {
	RO       *string
	Director *string
}

// resolveApprovers walks resource -> cost center -> (RO user, department)
// -> first active Director in the department. Every missing link degrades
// to an unset approver instead of failing instance creation.
func (e Engine) resolveApprovers(ctx context.Context, tenantID, resourceID string) (approverPair, error) {
	var pair approverPair

	res, err := e.Repo.GetResource(ctx, tenantID, resourceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return pair, nil
		}
		return pair, err
	}
	if res.CostCenterID == nil {
		return pair, nil
	}

	cc, err := e.Repo.GetCostCenter(ctx, tenantID, *res.CostCenterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return pair, nil
		}
		return pair, err
	}
	pair.RO = cc.ROUserID

	if cc.DepartmentID == nil {
		return pair, nil
	}
	director, err := e.Repo.FirstActiveUserByRoleInDepartment(ctx, tenantID, *cc.DepartmentID, domain.RoleDirector)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return pair, nil
		}
		return pair, err
	}
	pair.Director = &director.ID
	return pair, nil
}

// skipDirector reports whether the Director step starts pre-skipped:
// one person need not approve their own output twice.
func (p approverPair) skipDirector() bool {
	return p.RO != nil && p.Director != nil && *p.RO == *p.Director
}
