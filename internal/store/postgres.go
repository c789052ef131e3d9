package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres reads the chat application's relational schema through a pgx
// connection pool. Table and column names follow the REST service's schema
// ("User", "UserChat", "Contact", "Message").
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases every pooled connection.
func (p *Postgres) Close() {
	p.pool.Close()
}

const (
	sqlFindUser = `SELECT id, username FROM "User" WHERE id = $1`

	sqlIsActiveMember = `SELECT EXISTS (
		SELECT 1 FROM "UserChat"
		WHERE "userId" = $1 AND "chatId" = $2 AND "leftAt" IS NULL)`

	sqlActiveChats = `SELECT "chatId" FROM "UserChat"
		WHERE "userId" = $1 AND "leftAt" IS NULL
		ORDER BY "chatId"`

	sqlContacts = `SELECT "contactId" FROM "Contact" WHERE "userId" = $1 ORDER BY "contactId"`

	sqlMessageChat = `SELECT "chatId" FROM "Message" WHERE id = $1`

	// Appends only when absent so concurrent marks from several devices
	// produce a single reader entry.
	sqlMarkRead = `UPDATE "Message"
		SET "readBy" = array_append(COALESCE("readBy", '{}'), $2)
		WHERE id = $1 AND NOT ($2 = ANY(COALESCE("readBy", '{}')))`

	sqlMessageExists = `SELECT EXISTS (SELECT 1 FROM "Message" WHERE id = $1)`

	sqlSetOnline = `UPDATE "User" SET "isOnline" = $2, "lastSeen" = $3 WHERE id = $1`
)

func (p *Postgres) FindUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx, sqlFindUser, userID).Scan(&u.ID, &u.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrapf(err, "find user %s", userID)
	}
	return u, nil
}

func (p *Postgres) IsActiveChatMember(ctx context.Context, userID, chatID string) (bool, error) {
	var member bool
	if err := p.pool.QueryRow(ctx, sqlIsActiveMember, userID, chatID).Scan(&member); err != nil {
		return false, errors.Wrapf(err, "check membership of %s in %s", userID, chatID)
	}
	return member, nil
}

func (p *Postgres) ListActiveChatsForUser(ctx context.Context, userID string) ([]string, error) {
	return p.collectStrings(ctx, "list chats of "+userID, sqlActiveChats, userID)
}

func (p *Postgres) ListContactsOf(ctx context.Context, userID string) ([]string, error) {
	return p.collectStrings(ctx, "list contacts of "+userID, sqlContacts, userID)
}

func (p *Postgres) MessageChat(ctx context.Context, messageID string) (string, error) {
	var chatID string
	err := p.pool.QueryRow(ctx, sqlMessageChat, messageID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "find chat of message %s", messageID)
	}
	return chatID, nil
}

func (p *Postgres) MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, sqlMarkRead, messageID, userID)
	if err != nil {
		return false, errors.Wrapf(err, "mark message %s read", messageID)
	}
	if tag.RowsAffected() == 1 {
		return false, nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, sqlMessageExists, messageID).Scan(&exists); err != nil {
		return false, errors.Wrapf(err, "check message %s", messageID)
	}
	if !exists {
		return false, ErrNotFound
	}
	return true, nil
}

func (p *Postgres) SetUserOnline(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if _, err := p.pool.Exec(ctx, sqlSetOnline, userID, online, lastSeen); err != nil {
		return errors.Wrapf(err, "set online=%t for %s", online, userID)
	}
	return nil
}

func (p *Postgres) collectStrings(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, what)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, what)
	}
	return out, nil
}
