package main

import "gorm.io/gorm"

type User struct {
	gorm.Model

	UsersID  string `json:"id" gorm:"column:userid;uniqueIndex"`
	Username string `json:"username" gorm:"column:username"`
	Avatar   string `json:"avatar" gorm:"column:avatar"`
}

type Server struct {
	gorm.Model

	ServersID string `json:"id" gorm:"column:serverid;uniqueIndex"`
	Name      string `json:"name" gorm:"column:name"`
	OwnerID   string `json:"ownerId" gorm:"column:ownerid;index"`
}

type ServerMember struct {
	gorm.Model

	ServersID string `json:"serverid" gorm:"column:serverid;index"`
	UsersID   string `json:"usersid" gorm:"column:userid;index"`
}

type Channel struct {
	gorm.Model

	ChannelsID string `json:"id" gorm:"column:channelid;uniqueIndex"`
	ServersID  string `json:"serverId" gorm:"column:serverid;index"`
	Name       string `json:"name" gorm:"column:name"`
}

type Role struct {
	gorm.Model

	RolesID     string `json:"id" gorm:"column:roleid;uniqueIndex"`
	ServersID   string `json:"serverId" gorm:"column:serverid;index"`
	Name        string `json:"name" gorm:"column:name"`
	Color       string `json:"color" gorm:"column:color"`
	Position    int    `json:"position" gorm:"column:position"`
	Permissions int64  `json:"permissions" gorm:"column:permissions"`
	IsDefault   bool   `json:"isDefault" gorm:"column:isdefault;index"`
}

type MemberRole struct {
	gorm.Model

	ServersID string `json:"serverid" gorm:"column:serverid;index"`
	UsersID   string `json:"usersid" gorm:"column:userid;index"`
	RolesID   string `json:"rolesid" gorm:"column:roleid;index"`
}

// TargetType is "role" or "member". At most one row per
// (channel, targetType, target).
type ChannelOverride struct {
	gorm.Model

	ChannelsID string `json:"channelid" gorm:"column:channelid;index"`
	TargetType string `json:"targettype" gorm:"column:targettype"`
	TargetID   string `json:"targetid" gorm:"column:targetid;index"`
	Allow      int64  `json:"allow" gorm:"column:allow"`
	Deny       int64  `json:"deny" gorm:"column:deny"`
}

type ReadState struct {
	gorm.Model

	UsersID    string `json:"usersid" gorm:"column:userid;index"`
	ChannelsID string `json:"channelid" gorm:"column:channelid;index"`
	MessageID  string `json:"messageid" gorm:"column:messageid"`
}

// Wire shapes derived from the rows above.

type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type ServerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerId"`
}
