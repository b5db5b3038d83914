package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relayhq/relay-api/internal/domain"
	"github.com/relayhq/relay-api/internal/platform/logger"
	"github.com/relayhq/relay-api/internal/store"
)

// pendingInvitationConstraint is the partial unique index guarding against
// duplicate pending group invitations for the same recipient.
const pendingInvitationConstraint = "notifications_pending_invitation_idx"

// notificationColumns is the select list shared by all read queries. Status
// is computed so pending invitations past their deadline read as expired
// without waiting for the maintenance sweep.
const notificationColumns = `
	id, recipient_id, sender_id, type, title, body, category, channels,
	CASE
		WHEN status = 'pending' AND expires_at IS NOT NULL AND expires_at < NOW()
		THEN 'expired'
		ELSE status
	END AS status,
	read, archived, group_id, conversation_id, task_id, message_id,
	message_count, expires_at, created_at, updated_at`

// PostgresNotificationStore implements the store.NotificationStore interface
// using a PostgreSQL database as the storage backend.
type PostgresNotificationStore struct {
	db store.DBTX

	// maxPageLimit caps ListForRecipient page sizes.
	maxPageLimit int
}

var _ store.NotificationStore = (*PostgresNotificationStore)(nil)

// NewPostgresNotificationStore creates a new PostgreSQL implementation of the
// NotificationStore interface. It accepts a database connection or
// transaction that should be initialized and managed by the caller.
func NewPostgresNotificationStore(db store.DBTX, maxPageLimit int) *PostgresNotificationStore {
	if maxPageLimit <= 0 {
		maxPageLimit = 100
	}
	return &PostgresNotificationStore{
		db:           db,
		maxPageLimit: maxPageLimit,
	}
}

// WithTx implements store.NotificationStore.WithTx.
func (s *PostgresNotificationStore) WithTx(tx *sql.Tx) store.NotificationStore {
	return &PostgresNotificationStore{
		db:           tx,
		maxPageLimit: s.maxPageLimit,
	}
}

// Create implements store.NotificationStore.Create.
func (s *PostgresNotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	log := logger.FromContext(ctx)

	if err := n.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, recipient_id, sender_id, type, title, body, category, channels,
			status, read, archived, group_id, conversation_id, task_id,
			message_id, message_count, expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err = s.db.ExecContext(ctx, query,
		n.ID,
		n.RecipientID,
		uuidPtr(n.SenderID),
		n.Type,
		n.Title,
		n.Body,
		n.Category,
		channels,
		n.Status,
		n.Read,
		n.Archived,
		uuidPtr(n.GroupID),
		uuidPtr(n.ConversationID),
		uuidPtr(n.TaskID),
		uuidPtr(n.MessageID),
		n.MessageCount,
		n.ExpiresAt,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			pgErr.Code == uniqueViolationCode &&
			pgErr.ConstraintName == pendingInvitationConstraint {
			log.Debug("duplicate pending invitation rejected",
				"recipient_id", n.RecipientID,
				"group_id", n.GroupID)
			return store.ErrPendingInvitationExists
		}
		log.Error("failed to create notification",
			"notification_id", n.ID,
			"recipient_id", n.RecipientID,
			"type", n.Type,
			"error", err)
		return MapError(err)
	}

	return nil
}

// Consolidate implements store.NotificationStore.Consolidate. The update and
// the candidate lookup run as a single statement, so two racing dispatch
// jobs fold into the same row instead of both inserting.
func (s *PostgresNotificationStore) Consolidate(
	ctx context.Context,
	n *domain.Notification,
) (*domain.Notification, bool, error) {
	log := logger.FromContext(ctx)

	query := fmt.Sprintf(`
		UPDATE notifications
		SET message_count = message_count + 1,
			title = $1,
			body = $2,
			message_id = COALESCE($3, message_id),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM notifications
			WHERE recipient_id = $4
				AND type = $5
				AND read = FALSE
				AND archived = FALSE
				AND group_id IS NOT DISTINCT FROM $6
				AND conversation_id IS NOT DISTINCT FROM $7
				AND task_id IS NOT DISTINCT FROM $8
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING %s
	`, notificationColumns)

	row := s.db.QueryRowContext(ctx, query,
		n.Title,
		n.Body,
		uuidPtr(n.MessageID),
		n.RecipientID,
		n.Type,
		uuidPtr(n.GroupID),
		uuidPtr(n.ConversationID),
		uuidPtr(n.TaskID),
	)

	updated, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		log.Error("failed to consolidate notification",
			"recipient_id", n.RecipientID,
			"type", n.Type,
			"error", err)
		return nil, false, MapError(err)
	}

	log.Debug("notification consolidated",
		"notification_id", updated.ID,
		"message_count", updated.MessageCount)
	return updated, true, nil
}

// GetForRecipient implements store.NotificationStore.GetForRecipient.
func (s *PostgresNotificationStore) GetForRecipient(
	ctx context.Context,
	recipientID, id uuid.UUID,
) (*domain.Notification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		WHERE id = $1 AND recipient_id = $2
	`, notificationColumns)

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id, recipientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotificationNotFound
		}
		return nil, MapError(err)
	}
	return n, nil
}

// ListForRecipient implements store.NotificationStore.ListForRecipient.
func (s *PostgresNotificationStore) ListForRecipient(
	ctx context.Context,
	recipientID uuid.UUID,
	filter store.ListFilter,
) ([]*domain.Notification, error) {
	log := logger.FromContext(ctx)

	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		WHERE recipient_id = $1
	`, notificationColumns)
	args := []any{recipientID}

	if !filter.IncludeArchived {
		query += " AND archived = FALSE"
	}
	if filter.UnreadOnly {
		query += " AND read = FALSE"
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > s.maxPageLimit {
		limit = s.maxPageLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to list notifications",
			"recipient_id", recipientID,
			"error", err)
		return nil, MapError(err)
	}
	defer rows.Close()

	var notifications []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, MapError(err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return notifications, nil
}

// CountUnread implements store.NotificationStore.CountUnread.
func (s *PostgresNotificationStore) CountUnread(
	ctx context.Context,
	recipientID uuid.UUID,
) (int64, error) {
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND read = FALSE AND archived = FALSE
	`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}

// MarkRead implements store.NotificationStore.MarkRead.
func (s *PostgresNotificationStore) MarkRead(ctx context.Context, recipientID, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2
	`
	return s.execExpectingRow(ctx, query, id, recipientID)
}

// MarkAllRead implements store.NotificationStore.MarkAllRead.
func (s *PostgresNotificationStore) MarkAllRead(
	ctx context.Context,
	recipientID uuid.UUID,
) (int64, error) {
	query := `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE recipient_id = $1 AND read = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, recipientID)
	if err != nil {
		return 0, MapError(err)
	}
	return result.RowsAffected()
}

// UpdateStatus implements store.NotificationStore.UpdateStatus.
func (s *PostgresNotificationStore) UpdateStatus(
	ctx context.Context,
	recipientID, id uuid.UUID,
	status domain.NotificationStatus,
) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidStatus)
	}

	query := `
		UPDATE notifications
		SET status = $1, read = TRUE, updated_at = NOW()
		WHERE id = $2 AND recipient_id = $3
	`
	return s.execExpectingRow(ctx, query, status, id, recipientID)
}

// Archive implements store.NotificationStore.Archive.
func (s *PostgresNotificationStore) Archive(ctx context.Context, recipientID, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET archived = TRUE, updated_at = NOW()
		WHERE id = $1 AND recipient_id = $2
	`
	return s.execExpectingRow(ctx, query, id, recipientID)
}

// Delete implements store.NotificationStore.Delete. Only archived
// notifications may be deleted.
func (s *PostgresNotificationStore) Delete(ctx context.Context, recipientID, id uuid.UUID) error {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM notifications
		WHERE id = $1 AND recipient_id = $2 AND archived = TRUE
	`

	result, err := s.db.ExecContext(ctx, query, id, recipientID)
	if err != nil {
		log.Error("failed to delete notification",
			"notification_id", id,
			"error", err)
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish "not archived yet" from "does not exist".
	var exists bool
	checkQuery := `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`
	if err := s.db.QueryRowContext(ctx, checkQuery, id, recipientID).Scan(&exists); err != nil {
		return MapError(err)
	}
	if exists {
		return fmt.Errorf("%w: notification must be archived first", store.ErrDeleteFailed)
	}
	return store.ErrNotificationNotFound
}

// ExpirePending implements store.NotificationStore.ExpirePending.
func (s *PostgresNotificationStore) ExpirePending(
	ctx context.Context,
	before time.Time,
) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE notifications
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		log.Error("failed to expire pending notifications", "error", err)
		return 0, MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		log.Info("expired pending notifications", "count", affected)
	}
	return affected, nil
}

// PurgeOlderThan implements store.NotificationStore.PurgeOlderThan. Rows
// whose expiry is still in the future are never removed, however old.
func (s *PostgresNotificationStore) PurgeOlderThan(
	ctx context.Context,
	cutoff time.Time,
) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM notifications
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
			OR (archived = TRUE AND updated_at < $1)
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		log.Error("failed to purge old notifications", "error", err)
		return 0, MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		log.Info("purged old notifications",
			"count", affected,
			"cutoff", cutoff)
	}
	return affected, nil
}

// execExpectingRow runs an UPDATE that must affect exactly one row and maps
// a zero-row result to ErrNotificationNotFound.
func (s *PostgresNotificationStore) execExpectingRow(
	ctx context.Context,
	query string,
	args ...any,
) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotificationNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var (
		n         domain.Notification
		sender    uuid.NullUUID
		group     uuid.NullUUID
		conv      uuid.NullUUID
		task      uuid.NullUUID
		message   uuid.NullUUID
		channels  []byte
		expiresAt sql.NullTime
	)

	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&sender,
		&n.Type,
		&n.Title,
		&n.Body,
		&n.Category,
		&channels,
		&n.Status,
		&n.Read,
		&n.Archived,
		&group,
		&conv,
		&task,
		&message,
		&n.MessageCount,
		&expiresAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}

	n.SenderID = nullUUIDPtr(sender)
	n.GroupID = nullUUIDPtr(group)
	n.ConversationID = nullUUIDPtr(conv)
	n.TaskID = nullUUIDPtr(task)
	n.MessageID = nullUUIDPtr(message)
	if expiresAt.Valid {
		t := expiresAt.Time
		n.ExpiresAt = &t
	}

	return &n, nil
}

// uuidPtr converts an optional UUID to a driver-friendly nullable value.
func uuidPtr(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullUUIDPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}
