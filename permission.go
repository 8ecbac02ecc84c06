package main

import (
	"context"
	"errors"
	"fmt"
)

// Permission is a bitmask of capability flags.
type Permission int64

const (
	PermReadMessages Permission = 1 << iota
	PermSendMessages
	PermManageMessages
	PermManageChannels
	PermManageRoles
	PermManageServer
	PermKickMembers
	PermBanMembers
	PermCreateInvite
	PermAttachFiles
	PermMentionEveryone
	PermConnect
	PermSpeak
	PermMuteMembers
	PermAdministrator

	permEnd
)

// PermAll is every flag set, the effective mask of owners and administrators.
const PermAll = Permission(permEnd - 1)

// OwnerPosition is the hierarchy position owners resolve to. No real role
// can reach it.
const OwnerPosition = int(^uint32(0) >> 1)

const (
	overrideTargetRole   = "role"
	overrideTargetMember = "member"
)

var ErrForbidden = errors.New("forbidden")

func (p Permission) Has(flag Permission) bool {
	if p&PermAdministrator != 0 {
		return true
	}
	return p&flag == flag
}

func AddPermission(p, flag Permission) Permission {
	return p | flag
}

func RemovePermission(p, flag Permission) Permission {
	return p &^ flag
}

// PermissionSource is the row access the engine needs. The gorm Store
// implements it; tests use an in-memory fake.
type PermissionSource interface {
	ServerOwner(ctx context.Context, serverID string) (string, error)
	// MemberRoles returns the member's assigned roles plus the server's
	// default role, which applies to every member implicitly.
	MemberRoles(ctx context.Context, serverID, userID string) ([]Role, error)
	ChannelOverrides(ctx context.Context, channelID string) ([]ChannelOverride, error)
}

// Perms computes effective permission masks from role and override rows.
// Pure computation, no caching.
type Perms struct {
	source PermissionSource
}

func NewPerms(source PermissionSource) *Perms {
	return &Perms{source: source}
}

// ServerPermissions is the member's effective mask at the server level:
// the OR of the default role and every assigned role. Owners and
// administrators resolve to the full mask.
func (p *Perms) ServerPermissions(ctx context.Context, serverID, userID string) (Permission, error) {
	owner, err := p.source.ServerOwner(ctx, serverID)
	if err != nil {
		return 0, err
	}
	if owner == userID {
		return PermAll, nil
	}
	roles, err := p.source.MemberRoles(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	var mask Permission
	for _, r := range roles {
		mask |= Permission(r.Permissions)
	}
	if mask&PermAdministrator != 0 {
		return PermAll, nil
	}
	return mask, nil
}

// ChannelPermissions applies channel overrides on top of the server mask.
// Overrides are applied deny-then-allow in three passes: the default role's
// override, the combined overrides of the member's assigned roles, then the
// member-specific override, which has the final say. Overrides never reduce
// an owner's or administrator's full mask.
func (p *Perms) ChannelPermissions(ctx context.Context, serverID, channelID, userID string) (Permission, error) {
	mask, err := p.ServerPermissions(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	if mask == PermAll {
		return mask, nil
	}
	roles, err := p.source.MemberRoles(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	overrides, err := p.source.ChannelOverrides(ctx, channelID)
	if err != nil {
		return 0, err
	}

	defaultRoleID := ""
	assigned := map[string]struct{}{}
	for _, r := range roles {
		if r.IsDefault {
			defaultRoleID = r.RolesID
		} else {
			assigned[r.RolesID] = struct{}{}
		}
	}

	var roleAllow, roleDeny Permission
	var memberOverride *ChannelOverride
	for i, o := range overrides {
		switch o.TargetType {
		case overrideTargetRole:
			if o.TargetID == defaultRoleID {
				mask = mask&^Permission(o.Deny) | Permission(o.Allow)
				continue
			}
			if _, ok := assigned[o.TargetID]; ok {
				roleAllow |= Permission(o.Allow)
				roleDeny |= Permission(o.Deny)
			}
		case overrideTargetMember:
			if o.TargetID == userID {
				memberOverride = &overrides[i]
			}
		}
	}
	mask = mask&^roleDeny | roleAllow
	if memberOverride != nil {
		mask = mask&^Permission(memberOverride.Deny) | Permission(memberOverride.Allow)
	}
	return mask, nil
}

// HighestRolePosition ranks the member for hierarchy checks. Owners are
// unbounded; a member with no assigned roles sits at the default role's
// position, 0.
func (p *Perms) HighestRolePosition(ctx context.Context, serverID, userID string) (int, error) {
	owner, err := p.source.ServerOwner(ctx, serverID)
	if err != nil {
		return 0, err
	}
	if owner == userID {
		return OwnerPosition, nil
	}
	roles, err := p.source.MemberRoles(ctx, serverID, userID)
	if err != nil {
		return 0, err
	}
	pos := 0
	for _, r := range roles {
		if !r.IsDefault && r.Position > pos {
			pos = r.Position
		}
	}
	return pos, nil
}

// RequirePermission gates a server-level mutation. The REST layer calls it
// before anything reaches the fanout path.
func (p *Perms) RequirePermission(ctx context.Context, serverID, userID string, flag Permission) error {
	mask, err := p.ServerPermissions(ctx, serverID, userID)
	if err != nil {
		return err
	}
	if !mask.Has(flag) {
		return fmt.Errorf("server %s user %s: %w", serverID, userID, ErrForbidden)
	}
	return nil
}

func (p *Perms) RequireChannelPermission(ctx context.Context, serverID, channelID, userID string, flag Permission) error {
	mask, err := p.ChannelPermissions(ctx, serverID, channelID, userID)
	if err != nil {
		return err
	}
	if !mask.Has(flag) {
		return fmt.Errorf("channel %s user %s: %w", channelID, userID, ErrForbidden)
	}
	return nil
}
