package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

// dataStore is the slice of the relational store the gateway touches.
type dataStore interface {
	UserByID(ctx context.Context, userID string) (*User, error)
	ServersForUser(ctx context.Context, userID string) ([]Server, error)
	IsMember(ctx context.Context, serverID, userID string) (bool, error)
	CoMemberIDs(ctx context.Context, serverIDs []string, excludeUserID string) ([]string, error)
	MarkRead(ctx context.Context, userID, channelID, messageID string) error
}

// Store is the relational side: user rows, memberships, roles and channel
// overrides. It backs the permission engine.
type Store struct {
	db *gorm.DB
}

func NewStore(dsn string, dblog bool) (*Store, error) {
	loglevel := logger.Error
	if dblog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		CreateBatchSize: 10,
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(new(User), new(Server), new(ServerMember), new(Channel),
		new(Role), new(MemberRole), new(ChannelOverride), new(ReadState))
	return &Store{db: db}, nil
}

func (s *Store) UserByID(ctx context.Context, userID string) (*User, error) {
	u := &User{}
	err := s.db.WithContext(ctx).Where("userid = ?", userID).First(u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) ServersForUser(ctx context.Context, userID string) ([]Server, error) {
	var servers []Server
	err := s.db.WithContext(ctx).
		Joins("join server_members on server_members.serverid = servers.serverid and server_members.deleted_at is null").
		Where("server_members.userid = ?", userID).
		Find(&servers).Error
	return servers, err
}

func (s *Store) IsMember(ctx context.Context, serverID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(new(ServerMember)).
		Where("serverid = ? and userid = ?", serverID, userID).
		Count(&n).Error
	return n > 0, err
}

// CoMemberIDs lists every distinct member of the given servers except the
// user, for the READY presence snapshot.
func (s *Store) CoMemberIDs(ctx context.Context, serverIDs []string, excludeUserID string) ([]string, error) {
	ids := []string{}
	if len(serverIDs) == 0 {
		return ids, nil
	}
	err := s.db.WithContext(ctx).Model(new(ServerMember)).
		Distinct("userid").
		Where("serverid in (?) and userid <> ?", serverIDs, excludeUserID).
		Pluck("userid", &ids).Error
	return ids, err
}

func (s *Store) ChannelByID(ctx context.Context, channelID string) (*Channel, error) {
	c := &Channel{}
	err := s.db.WithContext(ctx).Where("channelid = ?", channelID).First(c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MarkRead moves the user's read marker for a channel.
func (s *Store) MarkRead(ctx context.Context, userID, channelID, messageID string) error {
	tx := s.db.WithContext(ctx).Model(new(ReadState)).
		Where("userid = ? and channelid = ?", userID, channelID).
		Update("messageid", messageID)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return s.db.WithContext(ctx).Create(&ReadState{
			UsersID:    userID,
			ChannelsID: channelID,
			MessageID:  messageID,
		}).Error
	}
	return nil
}

// PermissionSource implementation.

func (s *Store) ServerOwner(ctx context.Context, serverID string) (string, error) {
	srv := &Server{}
	err := s.db.WithContext(ctx).Where("serverid = ?", serverID).First(srv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return srv.OwnerID, nil
}

func (s *Store) MemberRoles(ctx context.Context, serverID, userID string) ([]Role, error) {
	var roles []Role
	err := s.db.WithContext(ctx).
		Where("serverid = ? and (isdefault = ? or roleid in (?))",
			serverID, true,
			s.db.Model(new(MemberRole)).Select("roleid").
				Where("serverid = ? and userid = ?", serverID, userID)).
		Find(&roles).Error
	return roles, err
}

func (s *Store) ChannelOverrides(ctx context.Context, channelID string) ([]ChannelOverride, error) {
	var overrides []ChannelOverride
	err := s.db.WithContext(ctx).
		Where("channelid = ?", channelID).
		Find(&overrides).Error
	return overrides, err
}
