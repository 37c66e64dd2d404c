package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may control the stream.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker for the given controller
// role ID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allows reports whether member holds the controller role. An empty role ID
// allows everyone. A nil member (DMs, webhooks) is allowed only then.
func (p *PermissionChecker) Allows(member *discordgo.Member) bool {
	if p.roleID == "" {
		return true
	}
	if member == nil {
		return false
	}
	return slices.Contains(member.Roles, p.roleID)
}
