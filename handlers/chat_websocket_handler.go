package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"LiveDesk/models"
	"LiveDesk/redis"
	"LiveDesk/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 连接 代表一个已升级的 WebSocket 连接及其认证身份和房间集合
type Connection struct {
	ID        string                      // 连接唯一标识（UUID）
	UserID    uint                        // 认证主体ID（客服为用户ID，访客为访客记录ID）
	Role      string                      // agent / visitor / admin / super_admin
	TenantID  uint                        // 租户ID
	BrandIDs  []uint                      // 客服所属品牌
	VisitorID uint                        // 访客连接对应的访客记录
	SessionID uint                        // 访客当前会话（懒创建）
	SessionPID string                     // 会话公开ID
	Conn      *websocket.Conn             // WebSocket连接
	Send      chan map[string]interface{} // 发送消息队列（缓冲256条）
	rooms     map[string]bool             // 已加入的房间
	ctx       context.Context
	cancel    context.CancelFunc
}

// ConnectionRegistry 本进程唯一的连接注册表。
// 握手成功时登记，断开时整体注销；房间成员关系只存在于内存
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection // roomKey -> connID -> conn
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = conn
}

func (r *ConnectionRegistry) JoinRoom(conn *Connection, roomKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomKey]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[roomKey] = members
	}
	members[conn.ID] = conn
	conn.rooms[roomKey] = true
}

// LeaveAll 断开时注销连接并退出全部房间
func (r *ConnectionRegistry) LeaveAll(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID]; !ok {
		return
	}
	delete(r.conns, conn.ID)
	for roomKey := range conn.rooms {
		if members, ok := r.rooms[roomKey]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(r.rooms, roomKey)
			}
		}
	}
	close(conn.Send)
}

// Broadcast 把事件投递给房间内所有本地连接
func (r *ConnectionRegistry) Broadcast(roomKey string, data map[string]interface{}, exceptID string) {
	r.mu.RLock()
	members := make([]*Connection, 0, len(r.rooms[roomKey]))
	for _, conn := range r.rooms[roomKey] {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	for _, conn := range members {
		if exceptID != "" && conn.ID == exceptID {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			log.Printf("Connection %s send buffer full, disconnecting", conn.ID)
			conn.cancel()
		}
	}
}

// HasOtherConnection 同一主体是否还有其他连接在线
func (r *ConnectionRegistry) HasOtherConnection(conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.ID != conn.ID && c.Role == conn.Role && c.UserID == conn.UserID && c.TenantID == conn.TenantID {
			return true
		}
	}
	return false
}

type ChatWebSocketHandler struct {
	db               *gorm.DB
	registry         *ConnectionRegistry
	auth             *services.AuthService
	visitors         *services.VisitorService
	assignment       *services.AssignmentService
	triggers         *services.TriggerService
	presence         services.Presence
	bus              services.FanoutPublisher
	handshakeTimeout time.Duration
	dbQueue          chan *models.Message // 数据库写入队列（缓冲1000条）
	dbWorkers        int
}

func NewChatWebSocketHandler(db *gorm.DB, auth *services.AuthService, visitors *services.VisitorService,
	assignment *services.AssignmentService, triggers *services.TriggerService,
	presence services.Presence, bus services.FanoutPublisher, handshakeTimeout time.Duration) *ChatWebSocketHandler {
	h := &ChatWebSocketHandler{
		db:               db,
		registry:         NewConnectionRegistry(),
		auth:             auth,
		visitors:         visitors,
		assignment:       assignment,
		triggers:         triggers,
		presence:         presence,
		bus:              bus,
		handshakeTimeout: handshakeTimeout,
		dbQueue:          make(chan *models.Message, 1000),
		dbWorkers:        4,
	}

	for i := 0; i < h.dbWorkers; i++ {
		go h.dbWorker()
	}

	return h
}

func (h *ChatWebSocketHandler) dbWorker() {
	for message := range h.dbQueue {
		if err := h.db.Create(message).Error; err != nil {
			log.Printf("Failed to save message: %v", err)
		}
	}
}

// DeliverFanout 订阅回调：把跨实例事件投递到本地房间成员
func (h *ChatWebSocketHandler) DeliverFanout(event redis.Event) {
	h.registry.Broadcast(event.Room, map[string]interface{}{
		"type":    event.Type,
		"payload": event.Payload,
	}, "")
}

func (h *ChatWebSocketHandler) Registry() *ConnectionRegistry {
	return h.registry
}

func (h *ChatWebSocketHandler) HandleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:     uuid.New().String(),
		Conn:   ws,
		Send:   make(chan map[string]interface{}, 256),
		rooms:  make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}

	// 握手必须在限定时间内完成
	if err := h.handshake(conn); err != nil {
		ws.Close()
		cancel()
		return nil
	}

	h.registry.Add(conn)
	h.enroll(conn)

	// 认证即一次在线心跳
	_ = h.presence.Heartbeat(ctx, conn.TenantID, conn.Role, conn.UserID)

	h.sendInitData(conn)

	go h.writePump(conn)
	h.readPump(conn)

	return nil
}

// handshake 读取首帧 auth 凭证并验证，失败返回分类错误事件后拒绝
func (h *ChatWebSocketHandler) handshake(conn *Connection) error {
	conn.Conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))

	var frame map[string]interface{}
	if err := conn.Conn.ReadJSON(&frame); err != nil {
		return err
	}
	frameType, _ := frame["type"].(string)
	payload, _ := frame["payload"].(map[string]interface{})
	if frameType != "auth" || payload == nil {
		h.rejectAuth(conn, services.ErrMissingToken)
		return services.ErrMissingToken
	}
	token, _ := payload["token"].(string)

	user, claims, err := h.auth.Authenticate(token)
	if err != nil {
		h.rejectAuth(conn, err)
		return err
	}

	conn.Role = claims.Role
	conn.TenantID = claims.TenantID
	conn.UserID = user.ID

	if claims.Role == models.RoleVisitor {
		// 访客：按公开ID找到或创建访客记录
		visitorPID, _ := payload["visitor_id"].(string)
		name, _ := payload["name"].(string)
		var brandID uint
		if raw, ok := payload["brand_id"].(float64); ok {
			brandID = uint(raw)
		}
		visitor, err := h.visitors.FindOrCreate(conn.ctx, claims.TenantID, brandID, visitorPID, name)
		if err != nil {
			h.rejectAuth(conn, services.ErrInvalidCredential)
			return err
		}
		conn.VisitorID = visitor.ID
	} else {
		conn.BrandIDs = user.BrandIDs
	}

	identity := map[string]interface{}{
		"type": "authenticated",
		"payload": map[string]interface{}{
			"connection_id": conn.ID,
			"user_id":       conn.UserID,
			"role":          conn.Role,
			"tenant_id":     conn.TenantID,
		},
	}
	conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.Conn.WriteJSON(identity)
}

func (h *ChatWebSocketHandler) rejectAuth(conn *Connection, err error) {
	code := err.Error()
	if !errors.Is(err, services.ErrInvalidCredential) &&
		!errors.Is(err, services.ErrExpiredCredential) &&
		!errors.Is(err, services.ErrInactiveAccount) &&
		!errors.Is(err, services.ErrMissingToken) {
		code = services.ErrInvalidCredential.Error()
	}
	conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.Conn.WriteJSON(map[string]interface{}{
		"type":    "auth_error",
		"payload": map[string]interface{}{"code": code},
	})
}

// enroll 按身份加入房间：主体房间、租户房间（平台超管跳过）、客服的品牌房间
func (h *ChatWebSocketHandler) enroll(conn *Connection) {
	h.registry.JoinRoom(conn, userRoomKey(conn.TenantID, conn.UserID))
	if conn.Role != models.RoleSuperAdmin {
		h.registry.JoinRoom(conn, tenantRoomKey(conn.TenantID))
	}
	if conn.Role == models.RoleAgent {
		for _, brandID := range conn.BrandIDs {
			h.registry.JoinRoom(conn, brandRoomKey(conn.TenantID, brandID))
		}
	}
}

// 读取客户端消息
func (h *ChatWebSocketHandler) readPump(conn *Connection) {
	defer func() {
		conn.cancel()
		h.registry.LeaveAll(conn)
		conn.Conn.Close()
		h.afterDisconnect(conn)
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg map[string]interface{}
		err := conn.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		h.handleMessage(conn, msg)
	}
}

// 向客户端写入消息
func (h *ChatWebSocketHandler) writePump(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case <-conn.ctx.Done():
			return

		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.Conn.WriteJSON(message); err != nil {
				log.Printf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// afterDisconnect 断开只移除连接，在线记录交给 TTL 过期；
// 进行中的持久化写入不取消
func (h *ChatWebSocketHandler) afterDisconnect(conn *Connection) {
	if conn.Role == models.RoleVisitor && !h.registry.HasOtherConnection(conn) {
		h.bus.Publish(context.Background(), tenantRoomKey(conn.TenantID), "visitor_status", map[string]interface{}{
			"visitor_id": conn.VisitorID,
			"connected":  false,
		})
	}
}

// sendInitData 发送初始化数据（在线客服列表）
func (h *ChatWebSocketHandler) sendInitData(conn *Connection) {
	agents, err := h.presence.ListOnline(conn.ctx, conn.TenantID, models.RoleAgent)
	if err != nil {
		log.Printf("Failed to list online agents: %v", err)
		agents = []uint{}
	}

	conn.Send <- map[string]interface{}{
		"type": "init",
		"payload": map[string]interface{}{
			"online_agents": agents,
		},
	}
}

// 消息类型分发
func (h *ChatWebSocketHandler) handleMessage(conn *Connection, msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	payload, _ := msg["payload"].(map[string]interface{})

	switch msgType {
	case "message":
		h.handleChatMessage(conn, payload)
	case "typing":
		h.handleTyping(conn, payload)
	case "typing_preview":
		h.handleTypingPreview(conn, payload)
	case "seen":
		h.handleSeen(conn, payload)
	case "heartbeat":
		h.handleHeartbeat(conn)
	case "set_status":
		h.handleSetStatus(conn, payload)
	}
}

func (h *ChatWebSocketHandler) handleChatMessage(conn *Connection, payload map[string]interface{}) {
	content, ok := payload["content"].(string)
	if !ok || content == "" {
		return
	}

	switch conn.Role {
	case models.RoleVisitor:
		h.handleVisitorMessage(conn, content)
	case models.RoleAgent, models.RoleAdmin:
		h.handleAgentMessage(conn, payload, content)
	}
}

// 访客消息：懒创建会话，异步落库，广播，评估触发器
func (h *ChatWebSocketHandler) handleVisitorMessage(conn *Connection, content string) {
	_ = h.visitors.TouchActivity(conn.ctx, conn.VisitorID)

	session, err := h.ensureSession(conn)
	if err != nil {
		log.Printf("Failed to ensure session: %v", err)
		return
	}

	now := time.Now()
	message := models.Message{
		PublicID:   uuid.New().String(),
		SessionID:  session.ID,
		SenderType: models.SenderVisitor,
		SenderID:   conn.VisitorID,
		Content:    content,
		Kind:       "text",
		CreatedAt:  now,
	}

	// 异步保存到数据库
	select {
	case h.dbQueue <- &message:
	default:
		log.Println("Database queue full, dropping message")
	}

	h.publishMessage(conn, session, &message)

	var visitor models.Visitor
	if err := h.db.First(&visitor, conn.VisitorID).Error; err == nil {
		if _, err := h.triggers.Evaluate(conn.ctx, models.TriggerTypeMessage, &services.TriggerContext{
			Session: session,
			Visitor: &visitor,
			Message: content,
		}); err != nil {
			log.Printf("Trigger evaluation failed: %v", err)
		}
	}
}

// 客服消息：对池中会话的第一条回复即独占认领
func (h *ChatWebSocketHandler) handleAgentMessage(conn *Connection, payload map[string]interface{}, content string) {
	sessionPID, _ := payload["session_id"].(string)
	if sessionPID == "" {
		return
	}
	var session models.ChatSession
	if err := h.db.Where("tenant_id = ? AND public_id = ?", conn.TenantID, sessionPID).
		First(&session).Error; err != nil {
		return
	}

	// 终态会话不再接收任何消息，负责人也不例外
	if session.Status == models.ChatStatusClosed {
		return
	}

	if session.Pooled() {
		claimed, err := h.assignment.Claim(conn.ctx, session.ID, conn.UserID)
		if err != nil || !claimed {
			// 被别的客服抢先认领，消息不取得会话所有权
			conn.Send <- map[string]interface{}{
				"type": "claim_failed",
				"payload": map[string]interface{}{
					"session_id": sessionPID,
				},
			}
			if err != nil && !errors.Is(err, services.ErrNotSessionOwner) {
				log.Printf("Claim failed: %v", err)
			}
			return
		}
		_ = h.db.Where("id = ?", session.ID).First(&session).Error
	}

	h.registry.JoinRoom(conn, sessionRoomKey(sessionPID))

	now := time.Now()
	message := models.Message{
		PublicID:   uuid.New().String(),
		SessionID:  session.ID,
		SenderType: models.SenderAgent,
		SenderID:   conn.UserID,
		Content:    content,
		Kind:       "text",
		CreatedAt:  now,
	}

	select {
	case h.dbQueue <- &message:
	default:
		log.Println("Database queue full, dropping message")
	}

	h.publishMessage(conn, &session, &message)
}

// ensureSession 访客的会话懒创建：首条消息发起接触
func (h *ChatWebSocketHandler) ensureSession(conn *Connection) (*models.ChatSession, error) {
	if conn.SessionID != 0 {
		var session models.ChatSession
		if err := h.db.First(&session, conn.SessionID).Error; err == nil && session.Status != models.ChatStatusClosed {
			return &session, nil
		}
		conn.SessionID = 0
	}

	var visitor models.Visitor
	if err := h.db.First(&visitor, conn.VisitorID).Error; err != nil {
		return nil, err
	}
	session, err := h.assignment.StartSession(conn.ctx, &visitor)
	if err != nil {
		return nil, err
	}
	conn.SessionID = session.ID
	conn.SessionPID = session.PublicID
	h.registry.JoinRoom(conn, sessionRoomKey(session.PublicID))
	return session, nil
}

// publishMessage 通过总线广播，跨实例一致送达
func (h *ChatWebSocketHandler) publishMessage(conn *Connection, session *models.ChatSession, message *models.Message) {
	payload := map[string]interface{}{
		"id":          message.PublicID,
		"session_id":  session.PublicID,
		"sender_type": message.SenderType,
		"sender_id":   message.SenderID,
		"content":     message.Content,
		"kind":        message.Kind,
		"created_at":  message.CreatedAt,
	}
	h.bus.Publish(conn.ctx, sessionRoomKey(session.PublicID), "message", payload)
	h.bus.Publish(conn.ctx, tenantRoomKey(session.TenantID), "message", payload)
}

func (h *ChatWebSocketHandler) handleTyping(conn *Connection, payload map[string]interface{}) {
	isTyping, ok := payload["is_typing"].(bool)
	if !ok {
		return
	}

	if conn.Role == models.RoleVisitor {
		var visitor models.Visitor
		if err := h.db.First(&visitor, conn.VisitorID).Error; err == nil {
			_ = h.visitors.SetTyping(conn.ctx, &visitor, isTyping)
		}
		return
	}

	sessionPID, _ := payload["session_id"].(string)
	if sessionPID == "" {
		return
	}
	h.bus.Publish(conn.ctx, sessionRoomKey(sessionPID), "typing", map[string]interface{}{
		"session_id": sessionPID,
		"user_id":    conn.UserID,
		"role":       conn.Role,
		"is_typing":  isTyping,
	})
}

// 实时输入预览：访客敲入的内容实时推给客服侧
func (h *ChatWebSocketHandler) handleTypingPreview(conn *Connection, payload map[string]interface{}) {
	if conn.Role != models.RoleVisitor {
		return
	}
	content, _ := payload["content"].(string)
	h.bus.Publish(conn.ctx, tenantRoomKey(conn.TenantID), "typing_preview", map[string]interface{}{
		"visitor_id": conn.VisitorID,
		"session_id": conn.SessionPID,
		"content":    content,
	})
}

// 已读回执
func (h *ChatWebSocketHandler) handleSeen(conn *Connection, payload map[string]interface{}) {
	messagePID, _ := payload["message_id"].(string)
	sessionPID, _ := payload["session_id"].(string)
	if messagePID == "" || sessionPID == "" {
		return
	}

	now := time.Now()
	if err := h.db.Model(&models.Message{}).
		Where("public_id = ?", messagePID).
		Update("seen_at", now).Error; err != nil {
		log.Printf("Failed to mark message seen: %v", err)
	}

	h.bus.Publish(conn.ctx, sessionRoomKey(sessionPID), "seen", map[string]interface{}{
		"message_id": messagePID,
		"session_id": sessionPID,
		"seen_by":    conn.UserID,
		"seen_at":    now,
	})
}

// 认证后的心跳：刷新在线 TTL，访客同时刷新活跃时间
func (h *ChatWebSocketHandler) handleHeartbeat(conn *Connection) {
	_ = h.presence.Heartbeat(conn.ctx, conn.TenantID, conn.Role, conn.UserID)
	if conn.Role == models.RoleVisitor {
		_ = h.visitors.TouchActivity(conn.ctx, conn.VisitorID)
	}
}

// 客服显式切换状态，触发批量重分配/回填
func (h *ChatWebSocketHandler) handleSetStatus(conn *Connection, payload map[string]interface{}) {
	if conn.Role != models.RoleAgent {
		return
	}
	status, _ := payload["status"].(string)
	switch status {
	case models.AgentStatusOnline, models.AgentStatusAway, models.AgentStatusInvisible, models.AgentStatusOffline:
	default:
		return
	}
	if err := h.assignment.OnAgentStatusChange(conn.ctx, conn.UserID, status); err != nil {
		log.Printf("Agent status change failed: %v", err)
	}
}

// 房间命名与 services 包保持一致
func tenantRoomKey(tenantID uint) string {
	return services.TenantRoom(tenantID)
}

func userRoomKey(tenantID, userID uint) string {
	return services.UserRoom(tenantID, userID)
}

func brandRoomKey(tenantID, brandID uint) string {
	return services.BrandRoom(tenantID, brandID)
}

func sessionRoomKey(publicID string) string {
	return services.SessionRoom(publicID)
}
