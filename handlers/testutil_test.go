package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"LiveDesk/config"
	"LiveDesk/models"
	"LiveDesk/services"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrateAll(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type handlerFakePresence struct {
	mu     sync.Mutex
	online map[string][]uint
}

func newHandlerFakePresence() *handlerFakePresence {
	return &handlerFakePresence{online: make(map[string][]uint)}
}

func (p *handlerFakePresence) bucket(tenantID uint, role string) string {
	return fmt.Sprintf("%d:%s", tenantID, role)
}

func (p *handlerFakePresence) Heartbeat(ctx context.Context, tenantID uint, role string, subjectID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.bucket(tenantID, role)
	for _, id := range p.online[key] {
		if id == subjectID {
			return nil
		}
	}
	p.online[key] = append(p.online[key], subjectID)
	return nil
}

func (p *handlerFakePresence) ListOnline(ctx context.Context, tenantID uint, role string) ([]uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.online[p.bucket(tenantID, role)]
	out := make([]uint, len(ids))
	copy(out, ids)
	return out, nil
}

func (p *handlerFakePresence) IsOnline(ctx context.Context, tenantID uint, role string, subjectID uint) bool {
	ids, _ := p.ListOnline(ctx, tenantID, role)
	for _, id := range ids {
		if id == subjectID {
			return true
		}
	}
	return false
}

func (p *handlerFakePresence) Clear(ctx context.Context, tenantID uint, role string, subjectID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.bucket(tenantID, role)
	ids := p.online[key]
	out := ids[:0]
	for _, id := range ids {
		if id != subjectID {
			out = append(out, id)
		}
	}
	p.online[key] = out
}

type handlerFakeBus struct {
	mu     sync.Mutex
	events []string
}

func (b *handlerFakeBus) Publish(ctx context.Context, room, eventType string, payload map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, room+"/"+eventType)
}

type adminTestEnv struct {
	db       *gorm.DB
	auth     *services.AuthService
	presence *handlerFakePresence
	handler  *AdminHandler
}

func newAdminTestEnv(t *testing.T) *adminTestEnv {
	t.Helper()
	db := newHandlerTestDB(t)
	presence := newHandlerFakePresence()
	bus := &handlerFakeBus{}
	auth := services.NewAuthService(db, &config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenExpiry:   1,
		RefreshExpiry: 24,
	})
	workload := services.NewWorkloadService(db, presence, 5)
	assignment := services.NewAssignmentService(db, workload, presence, bus, nil, "routing-audit", "test-instance")
	visitors := services.NewVisitorService(db, bus)
	triggers := services.NewTriggerService(db, assignment, nil, nil, bus)
	handler := NewAdminHandler(db, auth, assignment, triggers, visitors, workload, presence, nil)
	return &adminTestEnv{db: db, auth: auth, presence: presence, handler: handler}
}

func (e *adminTestEnv) createAgent(t *testing.T, tenantID uint) *models.User {
	t.Helper()
	agent := &models.User{
		TenantID:           tenantID,
		Email:              uuid.New().String() + "@test.local",
		Username:           "agent",
		Role:               models.RoleAgent,
		Status:             models.AgentStatusOnline,
		MaxConcurrentChats: 5,
		Active:             true,
		LastLoginAt:        time.Now(),
	}
	if err := e.db.Create(agent).Error; err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func (e *adminTestEnv) createSession(t *testing.T, tenantID uint) *models.ChatSession {
	t.Helper()
	visitor := &models.Visitor{
		PublicID:       uuid.New().String(),
		TenantID:       tenantID,
		Name:           "visitor",
		LastActivityAt: time.Now(),
	}
	if err := e.db.Create(visitor).Error; err != nil {
		t.Fatalf("create visitor: %v", err)
	}
	session := &models.ChatSession{
		PublicID:  uuid.New().String(),
		TenantID:  tenantID,
		VisitorID: visitor.ID,
		Status:    models.ChatStatusWaiting,
	}
	if err := e.db.Create(session).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}
