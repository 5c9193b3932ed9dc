package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"LiveDesk/models"

	"github.com/IBM/sarama"
	"gorm.io/gorm"
)

// 路由变更审计消息，生产端为 Assignment/Trigger 服务
type AuditMessage struct {
	EventType  string            `json:"event_type"`
	TenantID   uint              `json:"tenant_id"`
	SessionID  uint              `json:"session_id"`
	FromAgent  uint              `json:"from_agent"`
	ToAgent    uint              `json:"to_agent"`
	InstanceID string            `json:"instance_id"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

type AuditHandler struct {
	db *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

func (h *AuditHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var audit AuditMessage

	if err := json.Unmarshal(message.Value, &audit); err != nil {
		log.Printf("Failed to unmarshal audit message: %v", err)
		return err
	}

	detail, _ := json.Marshal(audit.Detail)
	event := models.AuditEvent{
		EventType:  audit.EventType,
		TenantID:   audit.TenantID,
		SessionID:  audit.SessionID,
		FromAgent:  audit.FromAgent,
		ToAgent:    audit.ToAgent,
		InstanceID: audit.InstanceID,
		Payload:    string(detail),
		OccurredAt: time.Unix(audit.Timestamp, 0),
	}
	return h.db.WithContext(ctx).Create(&event).Error
}
