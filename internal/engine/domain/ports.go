package domain

import "context"

// IdentityProvider 身份提供方（外部协作者）
// 将调用方会话令牌映射为稳定的用户 ID；令牌对引擎不透明
type IdentityProvider interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// ProfileService 用户档案/KYC 服务（外部协作者，只读）
// 返回用户认证等级，入场网关据此执行名义金额上限
type ProfileService interface {
	Tier(ctx context.Context, userID string) (KYCTier, error)
}
