package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"raven/internal/domain"
	llmModels "raven/internal/domain/models/llm"
	"raven/internal/domain/repositories"
	llmRepo "raven/internal/domain/repositories/llm"
	"raven/internal/repository/postgres"
)

// PostgresMessageStore implements the MessageStore interface using PostgreSQL
// for rows and a BlobStore for binary part content.
type PostgresMessageStore struct {
	pool      *pgxpool.Pool
	tables    *postgres.TableNames
	logger    *slog.Logger
	blobs     repositories.BlobStore
	txManager repositories.TransactionManager
}

// NewMessageStore creates a new PostgresMessageStore
func NewMessageStore(config *postgres.RepositoryConfig, blobs repositories.BlobStore) llmRepo.MessageStore {
	return &PostgresMessageStore{
		pool:      config.Pool,
		tables:    config.Tables,
		logger:    config.Logger,
		blobs:     blobs,
		txManager: postgres.NewTransactionManager(config),
	}
}

// InsertMessage persists a message with its parts
func (r *PostgresMessageStore) InsertMessage(ctx context.Context, msg *llmModels.Message) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// Blobs are written first; the object store is not transactional, so written
	// objects are removed again if the rows cannot be written. When the rows join
	// an outer transaction, the blobs are tracked for its owner to remove on rollback.
	written, err := r.storeBlobs(ctx, msg)
	if err != nil {
		return "", err
	}

	err = r.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		if err := r.insertMessageRow(txCtx, msg); err != nil {
			return err
		}
		return r.insertParts(txCtx, msg)
	})
	if err != nil {
		r.discardBlobs(written)
		return "", err
	}
	repositories.TrackBlobs(ctx, written...)

	return msg.ID, nil
}

func validateMessage(msg *llmModels.Message) error {
	switch msg.Role {
	case llmModels.RoleUser:
		if err := llmModels.ValidateParts(msg.Parts); err != nil {
			return &domain.ValidationError{Message: fmt.Sprintf("user message: %v", err)}
		}
	case llmModels.RoleAssistant:
		if msg.Assistant == nil {
			return &domain.ValidationError{Message: "assistant message has no content"}
		}
	case llmModels.RoleTool:
		if msg.Tool == nil || msg.Tool.ToolCallID == "" {
			return &domain.ValidationError{Message: "tool message has no tool call id"}
		}
	default:
		return &domain.ValidationError{Message: fmt.Sprintf("unknown role %q", msg.Role)}
	}
	if msg.ConversationID == "" || msg.AuthorID == "" {
		return &domain.ValidationError{Message: "message needs a conversation and an author"}
	}
	return nil
}

// storeBlobs uploads inline binary data and replaces it with blob references
func (r *PostgresMessageStore) storeBlobs(ctx context.Context, msg *llmModels.Message) ([]llmModels.BlobRef, error) {
	var written []llmModels.BlobRef
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if !part.IsBinary() || part.Blob != nil {
			continue
		}

		key := repositories.BlobKey(msg.ConversationID, msg.AuthorID, msg.ID, *part)
		ref, err := r.blobs.Put(ctx, key, part.Data, part.Mime())
		if err != nil {
			r.discardBlobs(written)
			return nil, fmt.Errorf("store part %d: %w", part.Order, err)
		}
		ref.OriginalName = part.OriginalName
		part.Blob = &ref
		written = append(written, ref)
	}
	return written, nil
}

func (r *PostgresMessageStore) discardBlobs(refs []llmModels.BlobRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, ref := range refs {
		if err := r.blobs.Delete(ctx, ref); err != nil {
			r.logger.Warn("orphaned blob", "key", ref.Key, "error", err)
		}
	}
}

func (r *PostgresMessageStore) insertMessageRow(ctx context.Context, msg *llmModels.Message) error {
	var content interface{}
	switch msg.Role {
	case llmModels.RoleAssistant:
		content = msg.Assistant
	case llmModels.RoleTool:
		content = msg.Tool
	}

	var raw []byte
	if content != nil {
		var err error
		if raw, err = json.Marshal(content); err != nil {
			return fmt.Errorf("encode %s content: %w", msg.Role, err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, conversation_id, author_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.AuthorID,
		string(msg.Role),
		raw, // []byte -> JSONB, nil becomes NULL
		msg.CreatedAt,
	)
	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return &domain.ConflictError{
				Message:      fmt.Sprintf("message %s already exists", msg.ID),
				ResourceType: "message",
				ResourceID:   msg.ID,
			}
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// insertParts batch inserts the part rows of a user message
func (r *PostgresMessageStore) insertParts(ctx context.Context, msg *llmModels.Message) error {
	if len(msg.Parts) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, part_order, type, text, region, bucket, key, mime_type, original_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.tables.MessageParts)

	batch := &pgx.Batch{}
	for _, part := range msg.Parts {
		var region, bucket, key, mimeType *string
		if part.Blob != nil {
			region, bucket, key = &part.Blob.Region, &part.Blob.Bucket, &part.Blob.Key
			mime := part.Mime()
			mimeType = &mime
		}
		batch.Queue(query,
			uuid.NewString(),
			msg.ID,
			part.Order,
			string(part.Type),
			part.Text,
			region,
			bucket,
			key,
			mimeType,
			part.OriginalName,
		)
	}

	executor := postgres.GetExecutor(ctx, r.pool)
	results := executor.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			if postgres.IsPgForeignKeyError(err) {
				return fmt.Errorf("message %s: %w", msg.ID, domain.ErrNotFound)
			}
			return fmt.Errorf("insert message part: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert message parts: %w", err)
	}
	return nil
}

// scanner interface for pgx.Row and pgx.Rows compatibility
type scanner interface {
	Scan(dest ...interface{}) error
}

type messagePartRow struct {
	msg          llmModels.Message
	content      []byte
	order        *int
	partType     *string
	text         *string
	region       *string
	bucket       *string
	key          *string
	mimeType     *string
	originalName *string
}

func scanMessagePartRow(row scanner) (*messagePartRow, error) {
	var r messagePartRow
	var role string
	err := row.Scan(
		&r.msg.ID,
		&r.msg.ConversationID,
		&r.msg.AuthorID,
		&role,
		&r.content,
		&r.msg.CreatedAt,
		&r.order,
		&r.partType,
		&r.text,
		&r.region,
		&r.bucket,
		&r.key,
		&r.mimeType,
		&r.originalName,
	)
	if err != nil {
		return nil, err
	}
	r.msg.Role = llmModels.Role(role)
	return &r, nil
}

// PullMessageHistory loads messages with their parts and hydrates blob content
func (r *PostgresMessageStore) PullMessageHistory(ctx context.Context, ids []string) ([]llmModels.Message, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []llmModels.Message{}, nil
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, m.author_id, m.role, m.content, m.created_at,
		       p.part_order, p.type, p.text, p.region, p.bucket, p.key, p.mime_type, p.original_name
		FROM %s m
		LEFT JOIN %s p ON p.message_id = m.id
		WHERE m.id = ANY($1)
		ORDER BY m.created_at ASC, m.seq ASC, p.part_order ASC
	`, r.tables.Messages, r.tables.MessageParts)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, valid)
	if err != nil {
		return nil, fmt.Errorf("pull message history: %w", err)
	}
	defer rows.Close()

	var messages []llmModels.Message
	index := make(map[string]int)
	for rows.Next() {
		row, err := scanMessagePartRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		pos, seen := index[row.msg.ID]
		if !seen {
			if err := decodeContent(&row.msg, row.content); err != nil {
				return nil, err
			}
			index[row.msg.ID] = len(messages)
			pos = len(messages)
			messages = append(messages, row.msg)
		}

		if row.order != nil && row.partType != nil {
			messages[pos].Parts = append(messages[pos].Parts, row.part())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	if err := r.hydrateBlobs(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (row *messagePartRow) part() llmModels.ContentPart {
	part := llmModels.ContentPart{
		Order:        *row.order,
		Type:         llmModels.PartType(*row.partType),
		Text:         row.text,
		OriginalName: row.originalName,
	}
	if row.bucket != nil && row.key != nil {
		ref := llmModels.BlobRef{
			Bucket:       *row.bucket,
			Key:          *row.key,
			MimeType:     llmModels.DefaultMimeType,
			OriginalName: row.originalName,
		}
		if row.region != nil {
			ref.Region = *row.region
		}
		if row.mimeType != nil && *row.mimeType != "" {
			ref.MimeType = *row.mimeType
		}
		part.Blob = &ref
		part.MimeType = ref.MimeType
	}
	return part
}

func decodeContent(msg *llmModels.Message, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	switch msg.Role {
	case llmModels.RoleAssistant:
		msg.Assistant = &llmModels.AssistantContent{}
		if err := json.Unmarshal(raw, msg.Assistant); err != nil {
			return fmt.Errorf("decode assistant content of %s: %w", msg.ID, err)
		}
	case llmModels.RoleTool:
		msg.Tool = &llmModels.ToolContent{}
		if err := json.Unmarshal(raw, msg.Tool); err != nil {
			return fmt.Errorf("decode tool content of %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (r *PostgresMessageStore) hydrateBlobs(ctx context.Context, messages []llmModels.Message) error {
	for i := range messages {
		for j := range messages[i].Parts {
			part := &messages[i].Parts[j]
			if part.Blob == nil {
				continue
			}
			data, err := r.blobs.Get(ctx, *part.Blob)
			if err != nil {
				return fmt.Errorf("read part %d of message %s: %w", part.Order, messages[i].ID, err)
			}
			part.Data = data
		}
	}
	return nil
}

// RecentMessages returns the newest exchange sets of a conversation
func (r *PostgresMessageStore) RecentMessages(ctx context.Context, conversationID, authorID string, sets int) ([]llmModels.Message, error) {
	if sets <= 0 {
		return []llmModels.Message{}, nil
	}

	executor := postgres.GetExecutor(ctx, r.pool)

	// Boundary is the oldest user message of the window
	boundaryQuery := fmt.Sprintf(`
		SELECT created_at, seq FROM %s
		WHERE conversation_id = $1 AND author_id = $2 AND role = 'user'
		ORDER BY created_at DESC, seq DESC
		OFFSET $3 LIMIT 1
	`, r.tables.Messages)

	var boundaryAt time.Time
	var boundarySeq int64
	err := executor.QueryRow(ctx, boundaryQuery, conversationID, authorID, sets-1).Scan(&boundaryAt, &boundarySeq)
	hasBoundary := true
	if err != nil {
		if !postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("find history window: %w", err)
		}
		hasBoundary = false
	}

	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE conversation_id = $1 AND author_id = $2
		  AND (NOT $3::boolean OR (created_at, seq) >= ($4::timestamptz, $5::bigint))
		ORDER BY created_at ASC, seq ASC
	`, r.tables.Messages)

	rows, err := executor.Query(ctx, query, conversationID, authorID, hasBoundary, boundaryAt, boundarySeq)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message ids: %w", err)
	}

	messages, err := r.PullMessageHistory(ctx, ids)
	if err != nil {
		return nil, err
	}
	return llmModels.OrderToolResults(messages), nil
}

// DeleteConversation removes the author's messages and returns their blob references
func (r *PostgresMessageStore) DeleteConversation(ctx context.Context, conversationID, authorID string) ([]llmModels.BlobRef, error) {
	var refs []llmModels.BlobRef

	err := r.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		executor := postgres.GetExecutor(txCtx, r.pool)

		query := fmt.Sprintf(`
			SELECT p.region, p.bucket, p.key, p.mime_type, p.original_name
			FROM %s p
			JOIN %s m ON m.id = p.message_id
			WHERE m.conversation_id = $1 AND m.author_id = $2 AND p.bucket IS NOT NULL
		`, r.tables.MessageParts, r.tables.Messages)

		rows, err := executor.Query(txCtx, query, conversationID, authorID)
		if err != nil {
			return fmt.Errorf("list conversation blobs: %w", err)
		}
		for rows.Next() {
			var region, mimeType *string
			var ref llmModels.BlobRef
			if err := rows.Scan(&region, &ref.Bucket, &ref.Key, &mimeType, &ref.OriginalName); err != nil {
				rows.Close()
				return fmt.Errorf("scan blob ref: %w", err)
			}
			if region != nil {
				ref.Region = *region
			}
			if mimeType != nil {
				ref.MimeType = *mimeType
			}
			refs = append(refs, ref)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate blob refs: %w", err)
		}

		// Parts go with their message (ON DELETE CASCADE)
		_, err = executor.Exec(txCtx,
			fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1 AND author_id = $2`, r.tables.Messages),
			conversationID, authorID,
		)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}
