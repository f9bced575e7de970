package workflow

import (
	"context"
	"fmt"
	"log"
)

// Directory resolves actors against live organizational data. It is the one
// collaborator a running instance reads non-snapshotted external state from.
type Directory interface {
	// UserExists reports whether the user is an active member of the tenant.
	UserExists(ctx context.Context, companyID, userID string) (bool, error)
	// UsersInRole lists the tenant's active users holding the role.
	UsersInRole(ctx context.Context, companyID, roleID string) ([]string, error)
}

// resolveApprovers expands a node's approver rules into concrete user ids,
// de-duplicated in rule order. A rule that matches nobody is logged and
// skipped; only directory failures abort resolution.
func resolveApprovers(ctx context.Context, dir Directory, companyID string, inst *Instance, rules []ApproverRule) ([]string, error) {
	var approvers []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			approvers = append(approvers, id)
		}
	}

	for _, rule := range rules {
		switch rule.Type {
		case ApproverUser:
			ok, err := dir.UserExists(ctx, companyID, rule.UserID)
			if err != nil {
				return nil, fmt.Errorf("resolve user approver %s: %w", rule.UserID, err)
			}
			if !ok {
				log.Printf("Approver user %s is not active in company %s, skipping", rule.UserID, companyID)
				continue
			}
			add(rule.UserID)
		case ApproverRole:
			users, err := dir.UsersInRole(ctx, companyID, rule.RoleID)
			if err != nil {
				return nil, fmt.Errorf("resolve role approvers %s: %w", rule.RoleID, err)
			}
			if len(users) == 0 {
				log.Printf("Approver role %s has no active users in company %s, skipping", rule.RoleID, companyID)
			}
			for _, id := range users {
				add(id)
			}
		case ApproverFormField:
			value, ok := inst.Variables[rule.FormFieldKey]
			if !ok || value == nil {
				log.Printf("Approver form field %q is not set on instance %s, skipping", rule.FormFieldKey, inst.ID)
				continue
			}
			userID := fmt.Sprintf("%v", value)
			exists, err := dir.UserExists(ctx, companyID, userID)
			if err != nil {
				return nil, fmt.Errorf("resolve form-field approver %s: %w", userID, err)
			}
			if !exists {
				log.Printf("Approver %q from form field %q is not active in company %s, skipping", userID, rule.FormFieldKey, companyID)
				continue
			}
			add(userID)
		default:
			log.Printf("Unknown approver rule type %q on instance %s, skipping", rule.Type, inst.ID)
		}
	}
	return approvers, nil
}
