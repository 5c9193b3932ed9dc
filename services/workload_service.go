package services

import (
	"context"
	"sort"

	"LiveDesk/models"

	"gorm.io/gorm"
)

// Presence 在线状态存储，由 redis.PresenceStore 实现
type Presence interface {
	Heartbeat(ctx context.Context, tenantID uint, role string, subjectID uint) error
	ListOnline(ctx context.Context, tenantID uint, role string) ([]uint, error)
	IsOnline(ctx context.Context, tenantID uint, role string, subjectID uint) bool
	Clear(ctx context.Context, tenantID uint, role string, subjectID uint)
}

// FanoutPublisher 房间事件广播，由 redis.FanoutBus 实现
type FanoutPublisher interface {
	Publish(ctx context.Context, room, eventType string, payload map[string]interface{})
}

// 计入客服负载的会话状态
var activeStatuses = []string{models.ChatStatusActive, models.ChatStatusTransferred}

type AgentLoad struct {
	Agent       models.User `json:"agent"`
	ActiveChats int         `json:"active_chats"`
}

type WorkloadService struct {
	db              *gorm.DB
	presence        Presence
	defaultMaxChats int
}

func NewWorkloadService(db *gorm.DB, presence Presence, defaultMaxChats int) *WorkloadService {
	if defaultMaxChats <= 0 {
		defaultMaxChats = 5
	}
	return &WorkloadService{db: db, presence: presence, defaultMaxChats: defaultMaxChats}
}

// Capacity 客服最大并发会话数，未按客服配置时取全局默认
func (s *WorkloadService) Capacity(agent *models.User) int {
	if agent.MaxConcurrentChats > 0 {
		return agent.MaxConcurrentChats
	}
	return s.defaultMaxChats
}

// ActiveCount 客服当前承接的会话数
func (s *WorkloadService) ActiveCount(ctx context.Context, agentID, tenantID uint) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("tenant_id = ? AND assigned_agent_id = ? AND status IN ?", tenantID, agentID, activeStatuses).
		Count(&count).Error
	return int(count), err
}

// AvailableAgents 返回可接新会话的在线客服。
// 排序：活跃会话数升序，相同时最近登录优先。brandID 为 0 表示不按品牌过滤
func (s *WorkloadService) AvailableAgents(ctx context.Context, tenantID, brandID uint) ([]AgentLoad, error) {
	onlineIDs, err := s.presence.ListOnline(ctx, tenantID, models.RoleAgent)
	if err != nil {
		return nil, err
	}
	if len(onlineIDs) == 0 {
		return nil, nil
	}

	var agents []models.User
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND role = ? AND active = ? AND id IN ?", tenantID, models.RoleAgent, true, onlineIDs).
		Find(&agents).Error
	if err != nil {
		return nil, err
	}

	// 统计每个客服的活跃会话数
	type agentCount struct {
		AssignedAgentID uint
		Total           int
	}
	var counts []agentCount
	err = s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Select("assigned_agent_id, count(*) as total").
		Where("tenant_id = ? AND assigned_agent_id IN ? AND status IN ?", tenantID, onlineIDs, activeStatuses).
		Group("assigned_agent_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	loadByAgent := make(map[uint]int, len(counts))
	for _, c := range counts {
		loadByAgent[c.AssignedAgentID] = c.Total
	}

	eligible := make([]AgentLoad, 0, len(agents))
	for _, agent := range agents {
		if brandID != 0 && !servesBrand(&agent, brandID) {
			continue
		}
		load := loadByAgent[agent.ID]
		if load >= s.Capacity(&agent) {
			continue
		}
		eligible = append(eligible, AgentLoad{Agent: agent, ActiveChats: load})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].ActiveChats != eligible[j].ActiveChats {
			return eligible[i].ActiveChats < eligible[j].ActiveChats
		}
		return eligible[i].Agent.LastLoginAt.After(eligible[j].Agent.LastLoginAt)
	})
	return eligible, nil
}

// 空品牌列表表示客服承接所有品牌
func servesBrand(agent *models.User, brandID uint) bool {
	if len(agent.BrandIDs) == 0 {
		return true
	}
	for _, id := range agent.BrandIDs {
		if id == brandID {
			return true
		}
	}
	return false
}
