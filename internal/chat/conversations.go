package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tenderworks/api_prospector/internal/prospector"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var ErrConversationNotFound = errors.New("conversation not found")

type Conversation struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	Messages    []Message `json:"messages,omitempty"`
}

type ConversationSummary struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	UserID        string       `json:"user_id,omitempty"`
	Title         string       `json:"title"`
	CreatedAt     time.Time    `json:"created_at"`
	LastUpdated   time.Time    `json:"last_updated"`
	LastMessageAt sql.NullTime `json:"-"`
	MessageCount  int          `json:"message_count"`
}

type Message struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	TokenCountInput  int        `json:"token_count_input"`
	TokenCountOutput int        `json:"token_count_output"`
	CreatedAt        time.Time  `json:"created_at"`
	Citations        []Citation `json:"citations,omitempty"`
}

// Citation is one quoted span attributed to one file, owned by the assistant
// message it is attached to.
type Citation struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	FileID   string `json:"file_id"`
}

type TokenCounts struct {
	Input  int
	Output int
}

type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) CreateConversation(ctx context.Context, tenantID, userID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant ID is required")
	}

	var userIDValue any
	if userID != "" {
		userIDValue = userID
	}

	var conversationID string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO prospector.prospector_conversations (tenant_id, user_id)
		 VALUES ($1, $2)
		 RETURNING id`,
		tenantID,
		userIDValue,
	).Scan(&conversationID)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	return conversationID, nil
}

// AddMessage appends one message to the conversation and touches
// last_updated. The two writes are logically sequential per turn; there is no
// multi-statement transaction guarantee around them.
func (s *ConversationStore) AddMessage(ctx context.Context, conversationID, role, content string, tokens TokenCounts) (string, error) {
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return "", fmt.Errorf("tenant ID is required")
	}

	messageID := uuid.NewString()
	var stored string
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO prospector.prospector_messages (
			id,
			conversation_id,
			role,
			content,
			token_count_input,
			token_count_output
		)
		SELECT $1, c.id, $3, $4, $5, $6
		FROM prospector.prospector_conversations c
		WHERE c.id = $2 AND c.tenant_id = $7
		RETURNING id`,
		messageID,
		conversationID,
		role,
		content,
		tokens.Input,
		tokens.Output,
		tenantID,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrConversationNotFound
		}
		return "", fmt.Errorf("add message: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE prospector.prospector_conversations
		 SET last_updated = NOW()
		 WHERE id = $1 AND tenant_id = $2`,
		conversationID,
		tenantID,
	)
	if err != nil {
		return "", fmt.Errorf("touch conversation: %w", err)
	}

	return stored, nil
}

// AttachCitations stores the reconciled citations of an assistant message.
// Called exactly once per turn, after the message row exists.
func (s *ConversationStore) AttachCitations(ctx context.Context, messageID string, citations []Citation) error {
	if len(citations) == 0 {
		return nil
	}
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO prospector.prospector_citations (message_id, content, filename, file_id, position)
		 VALUES ($1, $2, $3, $4, $5)`,
	)
	if err != nil {
		return fmt.Errorf("prepare citation insert: %w", err)
	}
	defer stmt.Close()

	for i, citation := range citations {
		if _, err := stmt.ExecContext(ctx, messageID, citation.Content, citation.Filename, citation.FileID, i); err != nil {
			return fmt.Errorf("insert citation %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *ConversationStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return Conversation{}, fmt.Errorf("tenant ID is required")
	}
	userID := prospector.GetUserID(ctx)

	query := `SELECT id, tenant_id, COALESCE(user_id, ''), COALESCE(title, ''), created_at, last_updated
		 FROM prospector.prospector_conversations
		 WHERE id = $1 AND tenant_id = $2`
	args := []any{conversationID, tenantID}
	if userID != "" {
		query += " AND user_id = $3"
		args = append(args, userID)
	}

	var convo Conversation
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&convo.ID,
		&convo.TenantID,
		&convo.UserID,
		&convo.Title,
		&convo.CreatedAt,
		&convo.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	messages, err := s.fetchMessages(ctx, tenantID, conversationID, 0)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.loadCitations(ctx, messages); err != nil {
		return Conversation{}, err
	}
	convo.Messages = messages

	return convo, nil
}

func (s *ConversationStore) loadCitations(ctx context.Context, messages []Message) error {
	byID := make(map[string]*Message, len(messages))
	ids := make([]string, 0, len(messages))
	for i := range messages {
		if messages[i].Role != "assistant" {
			continue
		}
		byID[messages[i].ID] = &messages[i]
		ids = append(ids, messages[i].ID)
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT message_id, content, filename, file_id
		 FROM prospector.prospector_citations
		 WHERE message_id = ANY($1)
		 ORDER BY message_id, position`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("get citations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var citation Citation
		if err := rows.Scan(&messageID, &citation.Content, &citation.Filename, &citation.FileID); err != nil {
			return fmt.Errorf("scan citation: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.Citations = append(msg.Citations, citation)
		}
	}
	return rows.Err()
}

func (s *ConversationStore) ListConversations(ctx context.Context, tenantID, userID string, limit, offset int) ([]ConversationSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT
			c.id,
			c.tenant_id,
			COALESCE(c.user_id, ''),
			COALESCE(c.title, ''),
			c.created_at,
			c.last_updated,
			MAX(m.created_at) AS last_message_at,
			COUNT(m.id) AS message_count
		FROM prospector.prospector_conversations c
		LEFT JOIN prospector.prospector_messages m ON m.conversation_id = c.id
		WHERE c.tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if userID != "" {
		query += fmt.Sprintf(" AND c.user_id = $%d", argIdx)
		args = append(args, userID)
		argIdx++
	}

	query += fmt.Sprintf(` GROUP BY c.id, c.tenant_id, c.user_id, c.title, c.created_at, c.last_updated
		ORDER BY COALESCE(MAX(m.created_at), c.created_at) DESC
		LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.TenantID,
			&summary.UserID,
			&summary.Title,
			&summary.CreatedAt,
			&summary.LastUpdated,
			&summary.LastMessageAt,
			&summary.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations rows: %w", err)
	}

	return summaries, nil
}

func (s *ConversationStore) UpdateTitle(ctx context.Context, conversationID, title string) error {
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	userID := prospector.GetUserID(ctx)

	query := `UPDATE prospector.prospector_conversations
		 SET title = $1, last_updated = NOW()
		 WHERE id = $2 AND tenant_id = $3`
	args := []any{title, conversationID, tenantID}
	if userID != "" {
		query += " AND user_id = $4"
		args = append(args, userID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	userID := prospector.GetUserID(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ownership := `SELECT id FROM prospector.prospector_conversations WHERE id = $1 AND tenant_id = $2`
	ownershipArgs := []any{conversationID, tenantID}
	if userID != "" {
		ownership += " AND user_id = $3"
		ownershipArgs = append(ownershipArgs, userID)
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM prospector.prospector_citations
		 WHERE message_id IN (
			SELECT m.id FROM prospector.prospector_messages m
			WHERE m.conversation_id IN (`+ownership+`)
		 )`,
		ownershipArgs...,
	); err != nil {
		return fmt.Errorf("delete citations: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM prospector.prospector_messages
		 WHERE conversation_id IN (`+ownership+`)`,
		ownershipArgs...,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	delConv := `DELETE FROM prospector.prospector_conversations WHERE id = $1 AND tenant_id = $2`
	if userID != "" {
		delConv += " AND user_id = $3"
	}
	result, err := tx.ExecContext(ctx, delConv, ownershipArgs...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConversationNotFound
	}

	return tx.Commit()
}

func (s *ConversationStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	tenantID := prospector.GetTenantID(ctx)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if limit <= 0 {
		limit = 25
	}
	return s.fetchMessages(ctx, tenantID, conversationID, limit)
}

func (s *ConversationStore) fetchMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error) {
	query := `SELECT
		m.id,
		m.conversation_id,
		m.role,
		m.content,
		m.token_count_input,
		m.token_count_output,
		m.created_at
	FROM prospector.prospector_messages m
	JOIN prospector.prospector_conversations c ON m.conversation_id = c.id
	WHERE m.conversation_id = $1 AND c.tenant_id = $2`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT * FROM (`+query+` ORDER BY m.created_at DESC LIMIT $3) recent ORDER BY created_at ASC`,
			conversationID,
			tenantID,
			limit,
		)
	} else {
		rows, err = s.db.QueryContext(
			ctx,
			query+` ORDER BY m.created_at ASC`,
			conversationID,
			tenantID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.Role,
			&message.Content,
			&message.TokenCountInput,
			&message.TokenCountOutput,
			&message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages rows: %w", err)
	}

	return messages, nil
}
