package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"threads/internal/domain"
	"threads/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ store.Store             = (*Store)(nil)
	_ store.NotificationStore = (*Store)(nil)
)

type Store struct {
	DB   *pgxpool.Pool
	q    querier
	inTx bool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db, q: db} }

// InTx runs fn in a transaction. Called on a transaction-bound Store it opens a savepoint.
func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Store{DB: s.DB, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Savepoint(ctx context.Context, fn func(q store.Queries) error) error {
	return s.InTx(ctx, fn)
}

func (s *Store) LockThread(ctx context.Context, email, modelID string) error {
	if !s.inTx {
		return nil
	}
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, email+":"+modelID)
	return err
}

const modelCols = `id, slug, name, COALESCE(email,''), COALESCE(phone,''), chat_enabled`

func (s *Store) findModel(ctx context.Context, where string, arg any) (domain.Model, bool, error) {
	var m domain.Model
	err := s.q.QueryRow(ctx, `SELECT `+modelCols+` FROM models WHERE `+where+` LIMIT 1`, arg).
		Scan(&m.ID, &m.Slug, &m.Name, &m.Email, &m.Phone, &m.ChatEnabled)
	return m, found(err), missing(err)
}

func (s *Store) FindModel(ctx context.Context, idOrSlug string) (domain.Model, bool, error) {
	return s.findModel(ctx, `id=$1 OR slug=$1`, idOrSlug)
}

func (s *Store) FindModelByEmail(ctx context.Context, email string) (domain.Model, bool, error) {
	return s.findModel(ctx, `lower(email)=lower($1)`, email)
}

func (s *Store) FindModelByPhone(ctx context.Context, phone string) (domain.Model, bool, error) {
	return s.findModel(ctx, `phone=$1`, phone)
}

const contactCols = `id, name, email, COALESCE(phone,''), COALESCE(preferred_contact,''), source, created_at`

func (s *Store) findContact(ctx context.Context, where string, arg any) (domain.Contact, bool, error) {
	var c domain.Contact
	err := s.q.QueryRow(ctx, `
		SELECT `+contactCols+` FROM contacts WHERE `+where+` ORDER BY created_at DESC LIMIT 1
	`, arg).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.PreferredContact, &c.Source, &c.CreatedAt)
	return c, found(err), missing(err)
}

func (s *Store) FindContactByEmail(ctx context.Context, email string) (domain.Contact, bool, error) {
	return s.findContact(ctx, `email=$1`, email)
}

func (s *Store) FindContactByPhone(ctx context.Context, phone string) (domain.Contact, bool, error) {
	return s.findContact(ctx, `phone=$1`, phone)
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, bool, error) {
	return s.findContact(ctx, `id=$1`, id)
}

func (s *Store) InsertContact(ctx context.Context, c domain.Contact) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO contacts (id, name, email, phone, preferred_contact, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, c.ID, c.Name, c.Email, nullIfEmpty(c.Phone), nullIfEmpty(c.PreferredContact), c.Source, c.CreatedAt)
	return err
}

// UpdateContact overwrites name and preferred_contact; phone only when a new one is given.
func (s *Store) UpdateContact(ctx context.Context, in store.ContactUpdate) error {
	_, err := s.q.Exec(ctx, `
		UPDATE contacts
		SET name=$2, phone=COALESCE($3, phone), preferred_contact=COALESCE($4, preferred_contact), updated_at=now()
		WHERE id=$1
	`, in.ID, in.Name, nullIfEmpty(in.Phone), nullIfEmpty(in.PreferredContact))
	return err
}

func (s *Store) UpsertContactInteraction(ctx context.Context, in store.InteractionUpsert) (domain.ContactModelInteraction, error) {
	var out domain.ContactModelInteraction
	err := s.q.QueryRow(ctx, `
		INSERT INTO contact_model_interactions (id, contact_id, model_id, interaction_count, first_interaction_at, last_interaction_at)
		VALUES ($1,$2,$3,1,$4,$4)
		ON CONFLICT (contact_id, model_id)
		DO UPDATE SET interaction_count = contact_model_interactions.interaction_count + 1, last_interaction_at = $4
		RETURNING id, contact_id, model_id, interaction_count, first_interaction_at, last_interaction_at
	`, in.ID, in.ContactID, in.ModelID, in.Now).Scan(
		&out.ID, &out.ContactID, &out.ModelID, &out.InteractionCount, &out.FirstInteractionAt, &out.LastInteractionAt)
	return out, err
}

func (s *Store) FindEscortClientByHash(ctx context.Context, phoneHash, emailHash string) (domain.EscortClient, bool, error) {
	var c domain.EscortClient
	err := s.q.QueryRow(ctx, `
		SELECT id, COALESCE(model_id,''), client_identifier, COALESCE(phone_hash,''), COALESCE(email_hash,''), created_at
		FROM escort_clients
		WHERE ($1::text IS NOT NULL AND phone_hash = $1) OR ($2::text IS NOT NULL AND email_hash = $2)
		ORDER BY created_at, id
		LIMIT 1
	`, nullIfEmpty(phoneHash), nullIfEmpty(emailHash)).Scan(&c.ID, &c.ModelID, &c.ClientIdentifier, &c.PhoneHash, &c.EmailHash, &c.CreatedAt)
	return c, found(err), missing(err)
}

func (s *Store) InsertEscortClient(ctx context.Context, c domain.EscortClient) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO escort_clients (id, model_id, client_identifier, phone_hash, email_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, nullIfEmpty(c.ModelID), c.ClientIdentifier, nullIfEmpty(c.PhoneHash), nullIfEmpty(c.EmailHash), c.CreatedAt)
	return err
}

func (s *Store) FindClientInteraction(ctx context.Context, escortClientID, modelID string) (domain.ClientModelInteraction, bool, error) {
	var c domain.ClientModelInteraction
	err := s.q.QueryRow(ctx, `
		SELECT id, escort_client_id, model_id, screening_status, client_category, created_at
		FROM client_model_interactions WHERE escort_client_id=$1 AND model_id=$2
	`, escortClientID, modelID).Scan(&c.ID, &c.EscortClientID, &c.ModelID, &c.ScreeningStatus, &c.ClientCategory, &c.CreatedAt)
	return c, found(err), missing(err)
}

func (s *Store) InsertClientInteraction(ctx context.Context, in domain.ClientModelInteraction) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO client_model_interactions (id, escort_client_id, model_id, screening_status, client_category, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.ID, in.EscortClientID, in.ModelID, in.ScreeningStatus, in.ClientCategory, in.CreatedAt)
	return err
}

const conversationSelect = `
	SELECT c.id, c.contact_model_interaction_id, COALESCE(c.client_model_interaction_id,''), COALESCE(c.subject,''),
	       c.status, c.chat_status, c.is_live_chat, c.last_seen_by_contact, c.last_seen_by_model,
	       c.created_at, c.updated_at, i.contact_id, i.model_id
	FROM conversations c
	JOIN contact_model_interactions i ON i.id = c.contact_model_interaction_id
`

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var chatStatus string
	err := row.Scan(&c.ID, &c.ContactModelInteractionID, &c.ClientModelInteractionID, &c.Subject,
		&c.Status, &chatStatus, &c.IsLiveChat, &c.LastSeenByContact, &c.LastSeenByModel,
		&c.CreatedAt, &c.UpdatedAt, &c.ContactID, &c.ModelID)
	c.ChatStatus = domain.ChatStatus(chatStatus)
	return c, err
}

func (s *Store) FindConversation(ctx context.Context, interactionID string, statuses ...domain.ChatStatus) (domain.Conversation, bool, error) {
	query := conversationSelect + ` WHERE c.contact_model_interaction_id=$1 AND c.status <> 'closed'`
	args := []any{interactionID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		query += ` AND c.chat_status = ANY($2)`
		args = append(args, ss)
	}
	query += ` ORDER BY CASE WHEN c.chat_status='active' THEN 1 ELSE 2 END, c.created_at DESC LIMIT 1`

	c, err := scanConversation(s.q.QueryRow(ctx, query, args...))
	return c, found(err), missing(err)
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	c, err := scanConversation(s.q.QueryRow(ctx, conversationSelect+` WHERE c.id=$1`, id))
	return c, found(err), missing(err)
}

func (s *Store) InsertConversation(ctx context.Context, c domain.Conversation) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO conversations (id, contact_model_interaction_id, client_model_interaction_id, subject, status, chat_status, is_live_chat, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, c.ID, c.ContactModelInteractionID, nullIfEmpty(c.ClientModelInteractionID), nullIfEmpty(c.Subject),
		c.Status, string(c.ChatStatus), c.IsLiveChat, c.CreatedAt)
	return err
}

func (s *Store) PromoteConversation(ctx context.Context, id string, now time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE conversations SET chat_status='active', is_live_chat=TRUE, updated_at=$2 WHERE id=$1
	`, id, now)
	return err
}

func (s *Store) SetConversationClientInteraction(ctx context.Context, conversationID, clientInteractionID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE conversations SET client_model_interaction_id=$2
		WHERE id=$1 AND client_model_interaction_id IS NULL
	`, conversationID, clientInteractionID)
	return err
}

func (s *Store) TouchConversation(ctx context.Context, id string, now time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, id, now)
	return err
}

func (s *Store) SetLastSeen(ctx context.Context, conversationID string, reader domain.ReaderType, now time.Time) error {
	col := "last_seen_by_contact"
	if reader == domain.ReaderModel {
		col = "last_seen_by_model"
	}
	_, err := s.q.Exec(ctx, `UPDATE conversations SET `+col+`=$2 WHERE id=$1`, conversationID, now)
	return err
}

const messageCols = `
	m.id, m.conversation_id, m.message_type, m.message_type_extended, COALESCE(m.subject,''), m.message,
	COALESCE(m.sender_name,''), COALESCE(m.sender_email,''), COALESCE(m.sender_phone,''),
	COALESCE(m.recipient_name,''), COALESCE(m.recipient_email,''),
	COALESCE(m.email_message_id,''), COALESCE(m.sms_message_id,''),
	COALESCE(m.ip_address,''), COALESCE(m.user_agent,''),
	m.is_read_by_contact, m.is_read_by_model, m.read_at_contact, m.read_at_model, m.created_at
`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var m domain.Message
	var ext string
	err := row.Scan(&m.ID, &m.ConversationID, &m.MessageType, &ext, &m.Subject, &m.Message,
		&m.SenderName, &m.SenderEmail, &m.SenderPhone, &m.RecipientName, &m.RecipientEmail,
		&m.EmailMessageID, &m.SMSMessageID, &m.IPAddress, &m.UserAgent,
		&m.IsReadByContact, &m.IsReadByModel, &m.ReadAtContact, &m.ReadAtModel, &m.CreatedAt)
	m.MessageTypeExtended = domain.MessageType(ext)
	return m, err
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, message_type, message_type_extended, subject, message,
			sender_name, sender_email, sender_phone, recipient_name, recipient_email,
			email_message_id, sms_message_id, ip_address, user_agent,
			is_read_by_contact, is_read_by_model, read_at_contact, read_at_model, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, m.ID, m.ConversationID, m.MessageType, string(m.MessageTypeExtended), nullIfEmpty(m.Subject), m.Message,
		nullIfEmpty(m.SenderName), nullIfEmpty(m.SenderEmail), nullIfEmpty(m.SenderPhone),
		nullIfEmpty(m.RecipientName), nullIfEmpty(m.RecipientEmail),
		nullIfEmpty(m.EmailMessageID), nullIfEmpty(m.SMSMessageID),
		nullIfEmpty(m.IPAddress), nullIfEmpty(m.UserAgent),
		m.IsReadByContact, m.IsReadByModel, m.ReadAtContact, m.ReadAtModel, m.CreatedAt)
	return err
}

func (s *Store) FindMessageByEmailID(ctx context.Context, emailMessageID string) (domain.Message, bool, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageCols+` FROM messages m WHERE m.email_message_id=$1`, emailMessageID))
	return m, found(err), missing(err)
}

func (s *Store) MarkMessagesRead(ctx context.Context, in store.ReadUpdate) (int64, error) {
	flag, at := "is_read_by_contact", "read_at_contact"
	if in.Reader == domain.ReaderModel {
		flag, at = "is_read_by_model", "read_at_model"
	}
	query := `UPDATE messages SET ` + flag + `=TRUE, ` + at + `=$2 WHERE conversation_id=$1 AND ` + flag + `=FALSE`
	args := []any{in.ConversationID, in.Now}
	if len(in.MessageIDs) > 0 {
		query += ` AND id = ANY($3)`
		args = append(args, in.MessageIDs)
	}
	ct, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) collectMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return s.collectMessages(ctx, `
		SELECT `+messageCols+` FROM messages m WHERE m.conversation_id=$1 ORDER BY m.created_at, m.id
	`, conversationID)
}

func (s *Store) SearchMessages(ctx context.Context, in store.SearchQuery) ([]domain.Message, error) {
	return s.collectMessages(ctx, `
		SELECT `+messageCols+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN contact_model_interactions i ON i.id = c.contact_model_interaction_id
		WHERE (m.subject ILIKE $1 OR m.message ILIKE $1 OR m.sender_email ILIKE $1 OR m.sender_name ILIKE $1)
		  AND ($2 = '' OR i.model_id = $2)
		ORDER BY m.created_at DESC
		LIMIT $3
	`, "%"+in.Query+"%", in.ModelID, in.Limit)
}

func (s *Store) Stats(ctx context.Context, modelID string) (store.Stats, error) {
	out := store.Stats{ByType: map[string]int64{}}
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE c.is_live_chat)
		FROM conversations c
		JOIN contact_model_interactions i ON i.id = c.contact_model_interaction_id
		WHERE $1 = '' OR i.model_id = $1
	`, modelID).Scan(&out.Conversations, &out.LiveChats)
	if err != nil {
		return store.Stats{}, err
	}

	rows, err := s.q.Query(ctx, `
		SELECT m.message_type_extended, COUNT(*), COUNT(*) FILTER (WHERE NOT m.is_read_by_model)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN contact_model_interactions i ON i.id = c.contact_model_interaction_id
		WHERE $1 = '' OR i.model_id = $1
		GROUP BY m.message_type_extended
	`, modelID)
	if err != nil {
		return store.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var total, unread int64
		if err := rows.Scan(&typ, &total, &unread); err != nil {
			return store.Stats{}, err
		}
		out.ByType[typ] = total
		out.Messages += total
		out.UnreadByModel += unread
	}
	return out, rows.Err()
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO notification_outbox (id, kind, channel, conversation_id, message_id, model_id, recipient, subject, body, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, n.ID, string(n.Kind), string(n.Channel), n.ConversationID, nullIfEmpty(n.MessageID), nullIfEmpty(n.ModelID),
		n.Recipient, nullIfEmpty(n.Subject), n.Body, string(n.State), n.CreatedAt)
	return err
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	b, _ := json.Marshal(ev.Details)
	_, err := s.q.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, ip_address, user_agent, details_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.ID, ev.EventType, nullIfEmpty(ev.IPAddress), nullIfEmpty(ev.UserAgent), b, ev.CreatedAt)
	return err
}

func found(err error) bool { return err == nil }

// missing swallows pgx.ErrNoRows so callers can branch on found.
func missing(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
