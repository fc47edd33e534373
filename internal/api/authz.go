package api

import (
	"fmt"
	"net/http"
	"strings"

	"order-workflow/internal/models"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
)

// Roles
const (
	RoleAdmin     = "admin"
	RoleOperator  = "operator"
	RoleWebmaster = "webmaster"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"

	ctxActor = "actor"
	ctxRole  = "role"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

var rbacPolicies = [][]string{
	{RoleWebmaster, "groups", "read"},
	{RoleWebmaster, "orders", "read"},
	{RoleOperator, "statuses", "read"},
	{RoleOperator, "containers", "read"},
	{RoleOperator, "orders", "write"},
	{RoleOperator, "history", "read"},
	{RoleAdmin, "statuses", "write"},
	{RoleAdmin, "containers", "write"},
	{RoleAdmin, "sweeps", "write"},
}

// each role inherits the permissions of the one below it
var rbacRoles = [][]string{
	{RoleOperator, RoleWebmaster},
	{RoleAdmin, RoleOperator},
}

// Authorizer checks role permissions with a casbin RBAC enforcer.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// NewAuthorizer creates an authorizer loaded with the built-in role policies
func NewAuthorizer() (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RBAC model: %w", err)
	}

	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RBAC enforcer: %w", err)
	}

	for _, p := range rbacPolicies {
		if _, err := enforcer.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("failed to add policy %v: %w", p, err)
		}
	}
	for _, r := range rbacRoles {
		if _, err := enforcer.AddGroupingPolicy(r[0], r[1]); err != nil {
			return nil, fmt.Errorf("failed to assign role %s to %s: %w", r[1], r[0], err)
		}
	}

	return &Authorizer{enforcer: enforcer}, nil
}

// Allowed reports whether role may perform action on resource
func (a *Authorizer) Allowed(role, resource, action string) (bool, error) {
	allowed, err := a.enforcer.Enforce(role, resource, action)
	if err != nil {
		return false, fmt.Errorf("RBAC permission check failed: %w", err)
	}
	return allowed, nil
}

// identify reads the caller from the headers set by the upstream gateway.
// "system" is reserved for the engine itself and cannot be claimed.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(headerUserID))
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(headerRole)))

		if actor == "" || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		if strings.EqualFold(actor, models.ActorSystem) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "actor is reserved"})
			return
		}

		c.Set(ctxActor, actor)
		c.Set(ctxRole, role)
		c.Next()
	}
}

// requirePermission aborts with 403 unless the caller's role may perform action on resource
func requirePermission(authz *Authorizer, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := authz.Allowed(c.GetString(ctxRole), resource, action)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authorization check failed"})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}
		c.Next()
	}
}
