// Package httpx holds the request helpers and error mapping shared by the HTTP handlers.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alanyang/delegate-broker/internal/port"
	"github.com/alanyang/delegate-broker/internal/service/capability"
	"github.com/alanyang/delegate-broker/internal/service/registry"
	"github.com/alanyang/delegate-broker/internal/service/response"
	"github.com/alanyang/delegate-broker/internal/service/scheduler"
	"github.com/alanyang/delegate-broker/internal/service/slot"
)

// AccountHeader carries the tenant of every API call when no token verifier is
// configured.
const AccountHeader = "X-Account-Id"

const accountKey = "account_id"

// AccountVerifier resolves a bearer token to the account it was issued for.
type AccountVerifier interface {
	Verify(token string) (string, error)
}

// RequireAccount resolves the calling account and rejects the request without
// one. With a nil verifier the account header is trusted as is; otherwise the
// account comes from the bearer token and a conflicting header is refused.
func RequireAccount(v AccountVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct := c.GetHeader(AccountHeader)
		if v != nil {
			token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
			if !ok || token == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
				return
			}
			verified, err := v.Verify(token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			if acct != "" && acct != verified {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": AccountHeader + " does not match token"})
				return
			}
			acct = verified
		}
		if acct == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + AccountHeader + " header"})
			return
		}
		c.Set(accountKey, acct)
		c.Request = c.Request.WithContext(ContextWithAccount(c.Request.Context(), acct))
		c.Next()
	}
}

func Account(c *gin.Context) string {
	return c.GetString(accountKey)
}

type ctxAccountKey struct{}

// ContextWithAccount stores the calling account for handlers outside gin.
func ContextWithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxAccountKey{}, accountID)
}

func AccountFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAccountKey{}).(string)
	return v
}

// ParamID parses a uuid path parameter, writing a 400 when it is malformed.
func ParamID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// Reason codes for tasks that cannot be routed to any agent.
const (
	ReasonNoInstalledAgents = "no_installed_agents"
	ReasonNoActiveAgents    = "no_active_agents"
	ReasonNoEligibleAgents  = "no_eligible_agents"
)

// Error maps a service error onto the HTTP status and body agents and operators expect.
func Error(c *gin.Context, err error) {
	status, body := classify(err)
	body["error"] = err.Error()
	c.JSON(status, body)
}

func classify(err error) (int, gin.H) {
	switch {
	case errors.Is(err, registry.ErrDuplicateIdentity):
		return http.StatusConflict, gin.H{"self_destruct": true}
	case errors.Is(err, registry.ErrAgentDeleted):
		return http.StatusGone, gin.H{"self_destruct": true}
	case errors.Is(err, slot.ErrIdentitySlotExhausted):
		return http.StatusServiceUnavailable, gin.H{"retryable": true}
	case errors.Is(err, scheduler.ErrAdmissionRejected):
		return http.StatusTooManyRequests, gin.H{}
	case errors.Is(err, scheduler.ErrNoInstalledAgents):
		return http.StatusUnprocessableEntity, gin.H{"reason": ReasonNoInstalledAgents}
	case errors.Is(err, scheduler.ErrNoActiveAgents):
		return http.StatusUnprocessableEntity, gin.H{"reason": ReasonNoActiveAgents}
	case errors.Is(err, scheduler.ErrNoEligibleAgents):
		return http.StatusUnprocessableEntity, gin.H{"reason": ReasonNoEligibleAgents}
	case errors.Is(err, scheduler.ErrPackagePending):
		return http.StatusConflict, gin.H{"retryable": true}
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, port.ErrNotFound):
		return http.StatusNotFound, gin.H{}
	case errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, slot.ErrInvalidRegistration),
		errors.Is(err, capability.ErrUnknownGroup):
		return http.StatusBadRequest, gin.H{}
	case errors.Is(err, response.ErrNotAssignee):
		return http.StatusForbidden, gin.H{}
	case errors.Is(err, scheduler.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{}
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, port.ErrConflict):
		return http.StatusConflict, gin.H{}
	}
	return http.StatusInternalServerError, gin.H{}
}
