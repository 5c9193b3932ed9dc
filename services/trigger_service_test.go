package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"LiveDesk/models"
)

func newTriggerEnv(t *testing.T) (*testEnv, *TriggerService, *fakeNotifier, *fakeAI) {
	t.Helper()
	env := newTestEnv(t)
	notifier := &fakeNotifier{}
	ai := &fakeAI{reply: "ai says hi"}
	triggers := NewTriggerService(env.db, env.assignment, ai, notifier, env.bus)
	return env, triggers, notifier, ai
}

func seedTrigger(t *testing.T, env *testEnv, trigger *models.Trigger) {
	t.Helper()
	if trigger.TriggerType == "" {
		trigger.TriggerType = models.TriggerTypeMessage
	}
	trigger.Active = true
	if err := env.db.Create(trigger).Error; err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}

func messageCtx(env *testEnv, t *testing.T, message string) *TriggerContext {
	t.Helper()
	session := env.createPooledSession(t, 1, 0)
	return &TriggerContext{
		Session: session,
		Message: message,
		Now:     time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), // 周三上午，营业时间内
	}
}

func TestTriggerOperators(t *testing.T) {
	cases := []struct {
		name  string
		cond  models.TriggerCondition
		tctx  TriggerContext
		match bool
	}{
		{"equals ignores case", models.TriggerCondition{Field: "message", Operator: models.OperatorEquals, Value: "Refund"},
			TriggerContext{Message: "refund"}, true},
		{"not equals", models.TriggerCondition{Field: "message", Operator: models.OperatorNotEquals, Value: "refund"},
			TriggerContext{Message: "hello"}, true},
		{"contains", models.TriggerCondition{Field: "message", Operator: models.OperatorContains, Value: "URGENT"},
			TriggerContext{Message: "this is urgent please"}, true},
		{"starts with", models.TriggerCondition{Field: "message", Operator: models.OperatorStartsWith, Value: "help"},
			TriggerContext{Message: "Help me"}, true},
		{"starts with miss", models.TriggerCondition{Field: "message", Operator: models.OperatorStartsWith, Value: "help"},
			TriggerContext{Message: "I need help"}, false},
		{"greater than", models.TriggerCondition{Field: "priority", Operator: models.OperatorGreaterThan, Value: "2"},
			TriggerContext{Session: &models.ChatSession{Priority: 3}}, true},
		{"less than non-numeric", models.TriggerCondition{Field: "message", Operator: models.OperatorLessThan, Value: "5"},
			TriggerContext{Message: "abc"}, false},
		{"unknown field", models.TriggerCondition{Field: "nope", Operator: models.OperatorEquals, Value: "x"},
			TriggerContext{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.tctx.Session == nil {
				tc.tctx.Session = &models.ChatSession{}
			}
			tc.tctx.Now = time.Now()
			if got := matchCondition(&tc.cond, &tc.tctx); got != tc.match {
				t.Fatalf("match = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestBusinessHoursOperator(t *testing.T) {
	weekdayMorning := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) // 周三 10:00
	weekdayNight := time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)

	cond := models.TriggerCondition{Operator: models.OperatorBusinessHours, Value: "true"}
	session := &models.ChatSession{}
	if !matchCondition(&cond, &TriggerContext{Session: session, Now: weekdayMorning}) {
		t.Fatal("weekday morning should be business hours")
	}
	if matchCondition(&cond, &TriggerContext{Session: session, Now: weekdayNight}) {
		t.Fatal("late evening is not business hours")
	}
	if matchCondition(&cond, &TriggerContext{Session: session, Now: sunday}) {
		t.Fatal("sunday is not business hours")
	}

	offHours := models.TriggerCondition{Operator: models.OperatorBusinessHours, Value: "false"}
	if !matchCondition(&offHours, &TriggerContext{Session: session, Now: sunday}) {
		t.Fatal("value false should match outside business hours")
	}
}

func TestEvaluateFiresInPriorityOrder(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)
	ctx := context.Background()

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "second", Priority: 20,
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "refund"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "second"}}},
	})
	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "first", Priority: 10,
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "refund"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "first"}}},
	})
	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "no match", Priority: 5,
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "billing"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "never"}}},
	})

	tctx := messageCtx(env, t, "I want a refund")
	fired, err := triggers.Evaluate(ctx, models.TriggerTypeMessage, tctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("fired = %d, want 2", len(fired))
	}
	if fired[0].Name != "first" || fired[1].Name != "second" {
		t.Fatalf("order = %s, %s; want first, second", fired[0].Name, fired[1].Name)
	}

	got := env.reloadSession(t, tctx.Session.ID)
	if len(got.Tags) != 2 {
		t.Fatalf("tags = %v, want both tags applied", got.Tags)
	}
}

func TestEvaluateAllConditionsMustMatch(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "both",
		Conditions: []models.TriggerCondition{
			{Field: "message", Operator: models.OperatorContains, Value: "refund"},
			{Field: "priority", Operator: models.OperatorGreaterThan, Value: "5"},
		},
		Actions: []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "x"}}},
	})

	tctx := messageCtx(env, t, "refund please") // priority 0，第二个条件不满足
	fired, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired = %d, want 0", len(fired))
	}
}

func TestEvaluateSkipsInactiveAndForeignTenant(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	inactive := &models.Trigger{
		TenantID: 1, Name: "inactive",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "hi"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "x"}}},
	}
	seedTrigger(t, env, inactive)
	env.db.Model(inactive).Update("active", false)
	seedTrigger(t, env, &models.Trigger{
		TenantID: 2, Name: "other tenant",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "hi"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAddTag, Params: map[string]string{"tag": "x"}}},
	})

	fired, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, messageCtx(env, t, "hi"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("fired = %d, want 0", len(fired))
	}
}

func TestFailingActionDoesNotStopOthers(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "mixed",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "vip"}},
		Actions: []models.TriggerAction{
			{Type: models.ActionAssignToAgent, Params: map[string]string{"agent_id": "99999"}}, // 不存在的客服
			{Type: models.ActionSetPriority, Params: map[string]string{"priority": "9"}},
		},
	})

	tctx := messageCtx(env, t, "vip customer")
	fired, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("fired = %d, want 1", len(fired))
	}
	got := env.reloadSession(t, tctx.Session.ID)
	if got.Priority != 9 {
		t.Fatalf("priority = %d, want 9 despite earlier action failure", got.Priority)
	}
}

func TestEscalateActionBumpsBothLevels(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "escalate",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "angry"}},
		Actions:    []models.TriggerAction{{Type: models.ActionEscalate}},
	})

	tctx := messageCtx(env, t, "angry customer")
	if _, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := env.reloadSession(t, tctx.Session.ID)
	if got.EscalationLevel != 1 || got.Priority != 1 {
		t.Fatalf("escalation=%d priority=%d, want 1/1", got.EscalationLevel, got.Priority)
	}
}

func TestAutoReplyPostsSystemMessage(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "greeting",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorStartsWith, Value: "hello"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAutoReply, Params: map[string]string{"message": "welcome"}}},
	})

	tctx := messageCtx(env, t, "hello there")
	if _, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	var msg models.Message
	if err := env.db.Where("session_id = ?", tctx.Session.ID).First(&msg).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if msg.SenderType != models.SenderSystem || msg.Content != "welcome" {
		t.Fatalf("message = %s/%q, want system/welcome", msg.SenderType, msg.Content)
	}
	if len(env.bus.eventsOfType("message")) == 0 {
		t.Fatal("auto reply not broadcast")
	}
}

func TestAIResponseActionUsesResponder(t *testing.T) {
	env, triggers, _, ai := newTriggerEnv(t)
	ai.reply = "here is your refund policy"

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "ai",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "policy"}},
		Actions:    []models.TriggerAction{{Type: models.ActionSendAIResponse}},
	})

	tctx := messageCtx(env, t, "what is the refund policy")
	if _, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var msg models.Message
	if err := env.db.Where("session_id = ? AND sender_type = ?", tctx.Session.ID, models.SenderAI).First(&msg).Error; err != nil {
		t.Fatalf("load ai message: %v", err)
	}
	if msg.Content != ai.reply {
		t.Fatalf("content = %q, want %q", msg.Content, ai.reply)
	}
}

func TestNotificationActionDelivers(t *testing.T) {
	env, triggers, notifier, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "notify",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "complaint"}},
		Actions: []models.TriggerAction{{Type: models.ActionSendNotification,
			Params: map[string]string{"recipient": "ops@example.com", "subject": "complaint received"}}},
	})

	if _, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, messageCtx(env, t, "formal complaint")); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].Recipient != "ops@example.com" {
		t.Fatalf("notifications = %+v, want one to ops@example.com", notifier.sent)
	}
}

func TestCloseChatActionEndsSession(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "close",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorEquals, Value: "bye"}},
		Actions:    []models.TriggerAction{{Type: models.ActionCloseChat}},
	})

	tctx := messageCtx(env, t, "bye")
	if _, err := triggers.Evaluate(context.Background(), models.TriggerTypeMessage, tctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if env.reloadSession(t, tctx.Session.ID).Status != models.ChatStatusClosed {
		t.Fatal("close_chat action did not close session")
	}
}

func TestAssignToDepartmentRebrands(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)
	ctx := context.Background()
	agent := env.createOnlineAgent(t, 1, 5, 7)

	seedTrigger(t, env, &models.Trigger{
		TenantID: 1, Name: "route to billing",
		Conditions: []models.TriggerCondition{{Field: "message", Operator: models.OperatorContains, Value: "invoice"}},
		Actions:    []models.TriggerAction{{Type: models.ActionAssignToDepartment, Params: map[string]string{"brand_id": "7"}}},
	})

	tctx := messageCtx(env, t, "invoice question")
	if _, err := triggers.Evaluate(ctx, models.TriggerTypeMessage, tctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := env.reloadSession(t, tctx.Session.ID)
	if got.BrandID != 7 {
		t.Fatalf("brand = %d, want 7", got.BrandID)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agent.ID {
		t.Fatal("session not routed to brand agent")
	}
}

func TestUnknownActionIsReported(t *testing.T) {
	env, triggers, _, _ := newTriggerEnv(t)
	tctx := messageCtx(env, t, "x")
	err := triggers.runAction(context.Background(), &models.TriggerAction{Type: "explode"}, tctx)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}
