package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/relayhq/relay-api/internal/platform/logger"
	"github.com/relayhq/relay-api/internal/store"
)

// PostgresMembershipStore implements the store.MembershipStore interface
// against the group_members and conversation_members tables.
type PostgresMembershipStore struct {
	db store.DBTX
}

var _ store.MembershipStore = (*PostgresMembershipStore)(nil)

// NewPostgresMembershipStore creates a new PostgreSQL implementation of the
// MembershipStore interface.
func NewPostgresMembershipStore(db store.DBTX) *PostgresMembershipStore {
	return &PostgresMembershipStore{db: db}
}

// IsGroupMember implements store.MembershipStore.IsGroupMember.
func (s *PostgresMembershipStore) IsGroupMember(
	ctx context.Context,
	userID, groupID uuid.UUID,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE user_id = $1 AND group_id = $2
		)
	`
	return s.exists(ctx, query, userID, groupID)
}

// IsConversationMember implements store.MembershipStore.IsConversationMember.
func (s *PostgresMembershipStore) IsConversationMember(
	ctx context.Context,
	userID, conversationID uuid.UUID,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE user_id = $1 AND conversation_id = $2
		)
	`
	return s.exists(ctx, query, userID, conversationID)
}

// GroupMemberIDs implements store.MembershipStore.GroupMemberIDs.
func (s *PostgresMembershipStore) GroupMemberIDs(
	ctx context.Context,
	groupID uuid.UUID,
) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`
	return s.memberIDs(ctx, query, groupID)
}

// ConversationMemberIDs implements store.MembershipStore.ConversationMemberIDs.
func (s *PostgresMembershipStore) ConversationMemberIDs(
	ctx context.Context,
	conversationID uuid.UUID,
) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id`
	return s.memberIDs(ctx, query, conversationID)
}

func (s *PostgresMembershipStore) exists(
	ctx context.Context,
	query string,
	args ...any,
) (bool, error) {
	var found bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		logger.FromContext(ctx).Error("membership check failed", "error", err)
		return false, MapError(err)
	}
	return found, nil
}

func (s *PostgresMembershipStore) memberIDs(
	ctx context.Context,
	query string,
	args ...any,
) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("member listing failed", "error", err)
		return nil, MapError(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return ids, nil
}
