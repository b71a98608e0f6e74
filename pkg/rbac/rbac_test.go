package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission(RoleUser, PermissionSendMail))
	assert.False(t, HasPermission(RoleUser, PermissionReplayOutbox))
	assert.True(t, HasPermission(RoleAdmin, PermissionReplayOutbox))
	assert.True(t, HasPermission(RoleAdmin, PermissionReadConnections))
	assert.False(t, HasPermission("guest", PermissionReadMail))
}

func TestCheckPermission(t *testing.T) {
	assert.NoError(t, CheckPermission(1, RoleAdmin, PermissionReadOutbox))

	err := CheckPermission(7, RoleUser, PermissionReadOutbox)
	var denied *PermissionDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, 7, denied.UserID)
	assert.Equal(t, PermissionReadOutbox, denied.Permission)
}
