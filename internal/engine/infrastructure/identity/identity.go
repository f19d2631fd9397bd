// Package identity 身份认证与 KYC 档案的具体实现
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"gorm.io/gorm"
)

// APIKey 调用方凭证
type APIKey struct {
	gorm.Model
	// 会话令牌，对引擎不透明
	Token string `gorm:"column:token;type:varchar(128);uniqueIndex;not null"`
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(64);index;not null"`
	// 是否已吊销
	Revoked bool `gorm:"column:revoked;not null;default:false"`
}

// TableName 指定表名
func (APIKey) TableName() string {
	return "api_keys"
}

// Profile 用户 KYC 档案
type Profile struct {
	gorm.Model
	// 用户 ID
	UserID string `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null"`
	// KYC 认证等级
	KYCTier int `gorm:"column:kyc_tier;not null;default:0"`
}

// TableName 指定表名
func (Profile) TableName() string {
	return "profiles"
}

// ----------------------------------------------------------------------------
// MySQL 实现
// ----------------------------------------------------------------------------

type dbIdentityProvider struct {
	db *gorm.DB
}

// NewIdentityProvider 基于凭证表的身份提供方
func NewIdentityProvider(db *gorm.DB) domain.IdentityProvider {
	return &dbIdentityProvider{db: db}
}

func (p *dbIdentityProvider) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthenticated
	}
	var key APIKey
	err := p.db.WithContext(ctx).Where("token = ? AND revoked = false", token).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return key.UserID, nil
}

type dbProfileService struct {
	db *gorm.DB
}

// NewProfileService 基于档案表的 KYC 服务；无档案用户按最低等级处理
func NewProfileService(db *gorm.DB) domain.ProfileService {
	return &dbProfileService{db: db}
}

func (s *dbProfileService) Tier(ctx context.Context, userID string) (domain.KYCTier, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.KYCTierBasic, nil
	}
	if err != nil {
		return domain.KYCTierBasic, err
	}
	return domain.KYCTier(profile.KYCTier), nil
}

// ----------------------------------------------------------------------------
// 内存实现，用于测试与本地运行
// ----------------------------------------------------------------------------

// StaticIdentityProvider 令牌 → 用户 ID 的静态映射
type StaticIdentityProvider struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticIdentityProvider 创建静态身份提供方
func NewStaticIdentityProvider() *StaticIdentityProvider {
	return &StaticIdentityProvider{tokens: make(map[string]string)}
}

// Grant 登记令牌
func (p *StaticIdentityProvider) Grant(token, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = userID
}

// Authenticate 解析令牌
func (p *StaticIdentityProvider) Authenticate(ctx context.Context, token string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	userID, ok := p.tokens[token]
	if !ok {
		return "", domain.ErrUnauthenticated
	}
	return userID, nil
}

// StaticProfileService 用户 ID → KYC 等级的静态映射
type StaticProfileService struct {
	mu    sync.RWMutex
	tiers map[string]domain.KYCTier
}

// NewStaticProfileService 创建静态 KYC 服务
func NewStaticProfileService() *StaticProfileService {
	return &StaticProfileService{tiers: make(map[string]domain.KYCTier)}
}

// Set 登记用户等级
func (s *StaticProfileService) Set(userID string, tier domain.KYCTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[userID] = tier
}

// Tier 查询用户等级，未登记按最低等级处理
func (s *StaticProfileService) Tier(ctx context.Context, userID string) (domain.KYCTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tiers[userID], nil
}
