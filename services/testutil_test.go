package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"LiveDesk/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// 内存库单连接，避免并发测试各自拿到空库
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

// fakePresence 内存在线表
type fakePresence struct {
	mu     sync.Mutex
	online map[string][]uint // "<tenant>:<role>" -> ids
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string][]uint)}
}

func presenceBucket(tenantID uint, role string) string {
	return fmt.Sprintf("%d:%s", tenantID, role)
}

func (p *fakePresence) Heartbeat(ctx context.Context, tenantID uint, role string, subjectID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceBucket(tenantID, role)
	for _, id := range p.online[key] {
		if id == subjectID {
			return nil
		}
	}
	p.online[key] = append(p.online[key], subjectID)
	return nil
}

func (p *fakePresence) ListOnline(ctx context.Context, tenantID uint, role string) ([]uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.online[presenceBucket(tenantID, role)]
	out := make([]uint, len(ids))
	copy(out, ids)
	return out, nil
}

func (p *fakePresence) IsOnline(ctx context.Context, tenantID uint, role string, subjectID uint) bool {
	ids, _ := p.ListOnline(ctx, tenantID, role)
	for _, id := range ids {
		if id == subjectID {
			return true
		}
	}
	return false
}

func (p *fakePresence) Clear(ctx context.Context, tenantID uint, role string, subjectID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceBucket(tenantID, role)
	ids := p.online[key]
	out := ids[:0]
	for _, id := range ids {
		if id != subjectID {
			out = append(out, id)
		}
	}
	p.online[key] = out
}

type busEvent struct {
	Room    string
	Type    string
	Payload map[string]interface{}
}

// fakeBus 记录广播事件
type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *fakeBus) Publish(ctx context.Context, room, eventType string, payload map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Room: room, Type: eventType, Payload: payload})
}

func (b *fakeBus) eventsOfType(eventType string) []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busEvent
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type auditRecord struct {
	Topic string
	Key   string
	Value interface{}
}

// fakeAudit 记录审计消息
type fakeAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *fakeAudit) SendMessage(topic string, key string, value interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{Topic: topic, Key: key, Value: value})
	return nil
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// fakeAI 固定回复
type fakeAI struct {
	reply string
	err   error
}

func (f *fakeAI) Generate(ctx context.Context, message string, sessionCtx map[string]string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type sentNotification struct {
	Recipient string
	Subject   string
	Body      string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Send(ctx context.Context, recipient, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{Recipient: recipient, Subject: subject, Body: body})
}

type testEnv struct {
	db         *gorm.DB
	presence   *fakePresence
	bus        *fakeBus
	audit      *fakeAudit
	workload   *WorkloadService
	assignment *AssignmentService
	visitors   *VisitorService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	presence := newFakePresence()
	bus := &fakeBus{}
	audit := &fakeAudit{}
	workload := NewWorkloadService(db, presence, 5)
	assignment := NewAssignmentService(db, workload, presence, bus, audit, "routing-audit", "test-instance")
	visitors := NewVisitorService(db, bus)
	return &testEnv{
		db:         db,
		presence:   presence,
		bus:        bus,
		audit:      audit,
		workload:   workload,
		assignment: assignment,
		visitors:   visitors,
	}
}

func (e *testEnv) createAgent(t *testing.T, tenantID uint, maxChats int, brandIDs ...uint) *models.User {
	t.Helper()
	agent := &models.User{
		TenantID:           tenantID,
		Email:              uuid.New().String() + "@test.local",
		Username:           "agent-" + uuid.New().String()[:8],
		Role:               models.RoleAgent,
		Status:             models.AgentStatusOnline,
		BrandIDs:           brandIDs,
		MaxConcurrentChats: maxChats,
		Active:             true,
		LastLoginAt:        time.Now(),
	}
	if err := e.db.Create(agent).Error; err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func (e *testEnv) createOnlineAgent(t *testing.T, tenantID uint, maxChats int, brandIDs ...uint) *models.User {
	t.Helper()
	agent := e.createAgent(t, tenantID, maxChats, brandIDs...)
	if err := e.presence.Heartbeat(context.Background(), tenantID, models.RoleAgent, agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	return agent
}

func (e *testEnv) createVisitor(t *testing.T, tenantID, brandID uint) *models.Visitor {
	t.Helper()
	visitor := &models.Visitor{
		PublicID:       uuid.New().String(),
		TenantID:       tenantID,
		BrandID:        brandID,
		Name:           "visitor",
		LastActivityAt: time.Now(),
	}
	if err := e.db.Create(visitor).Error; err != nil {
		t.Fatalf("create visitor: %v", err)
	}
	return visitor
}

func (e *testEnv) createPooledSession(t *testing.T, tenantID, brandID uint) *models.ChatSession {
	t.Helper()
	visitor := e.createVisitor(t, tenantID, brandID)
	session := &models.ChatSession{
		PublicID:  uuid.New().String(),
		TenantID:  tenantID,
		BrandID:   brandID,
		VisitorID: visitor.ID,
		Status:    models.ChatStatusWaiting,
	}
	if err := e.db.Create(session).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (e *testEnv) reloadSession(t *testing.T, id uint) *models.ChatSession {
	t.Helper()
	var session models.ChatSession
	if err := e.db.First(&session, id).Error; err != nil {
		t.Fatalf("reload session %d: %v", id, err)
	}
	return &session
}
