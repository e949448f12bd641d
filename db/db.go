package db

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/signing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const busyRetries = 5

// Accounts
const (
	sqlInsertAccount = `INSERT INTO accounts(id, nickname, domain, port, manually_approves_followers, web_public_key, web_private_key, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountColumns = `SELECT id, nickname, domain, port, manually_approves_followers, web_public_key, web_private_key, created_at FROM accounts`
	sqlSelectAccByNickname  = sqlSelectAccountColumns + ` WHERE nickname = ?`
	sqlSelectAllAccounts    = sqlSelectAccountColumns + ` ORDER BY nickname`
	sqlUpdateManualApproval = `UPDATE accounts SET manually_approves_followers = ? WHERE nickname = ?`
	sqlDeleteAccByNickname  = `DELETE FROM accounts WHERE nickname = ?`
)

// Open opens (and migrates) the sqlite database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if path == ":memory:" {
		// every pooled connection would see its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warn().Err(err).Msg("failed to enable WAL mode")
		} else {
			log.Debug().Str("mode", journalMode).Msg("database journal mode")
		}
	}

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("pragma failed")
		}
	}

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("database ready")
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, starting over while sqlite
// reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = db.tryTransaction(f)
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
			continue
		}
		return err
	}
	return err
}

func (db *DB) tryTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("error starting transaction")
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("error committing transaction")
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Nickname, &acc.Domain, &acc.Port, &acc.ManuallyApprovesFollowers,
		&acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

// CreateAccount registers a local actor with a freshly generated key pair.
// Keys are never rotated afterwards.
func (db *DB) CreateAccount(nickname, accDomain string, port int, manual bool) (*domain.Account, error) {
	keys, err := signing.GenerateKeyPair(2048)
	if err != nil {
		return nil, err
	}
	acc := &domain.Account{
		Id:                        uuid.New(),
		Nickname:                  nickname,
		Domain:                    accDomain,
		Port:                      port,
		ManuallyApprovesFollowers: manual,
		WebPublicKey:              keys.Public,
		WebPrivateKey:             keys.Private,
		CreatedAt:                 time.Now(),
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Nickname, acc.Domain, acc.Port,
			acc.ManuallyApprovesFollowers, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", nickname, err)
	}
	log.Info().Str("account", acc.Handle().String()).Msg("account created")
	return acc, nil
}

func (db *DB) ReadAccByNickname(nickname string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRow(sqlSelectAccByNickname, nickname))
}

func (db *DB) ReadAllAccounts() ([]domain.Account, error) {
	rows, err := db.db.Query(sqlSelectAllAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) UpdateManualApproval(nickname string, manual bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateManualApproval, manual, nickname)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) DeleteAccount(nickname string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteAccByNickname, nickname)
		return err
	})
}

// KeyStore serves the signing keys of local accounts, parsing each PEM once.
type KeyStore struct {
	db         *DB
	httpPrefix string

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
}

func (db *DB) KeyStore(httpPrefix string) *KeyStore {
	return &KeyStore{db: db, httpPrefix: httpPrefix, keys: map[string]*rsa.PrivateKey{}}
}

func (k *KeyStore) SigningKey(nickname string) (*rsa.PrivateKey, string, error) {
	acc, err := k.db.ReadAccByNickname(nickname)
	if err != nil {
		return nil, "", fmt.Errorf("account %s: %w", nickname, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[nickname]
	if !ok {
		key, err = signing.ParsePrivateKey(acc.WebPrivateKey)
		if err != nil {
			return nil, "", fmt.Errorf("key of %s: %w", nickname, err)
		}
		k.keys[nickname] = key
	}
	return key, acc.ActorURI(k.httpPrefix), nil
}

// Remote Accounts queries
const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, last_fetched_at)
                              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                              ON CONFLICT(actor_uri) DO UPDATE SET username = excluded.username, domain = excluded.domain,
                              inbox_uri = excluded.inbox_uri, shared_inbox_uri = excluded.shared_inbox_uri,
                              outbox_uri = excluded.outbox_uri, public_key_pem = excluded.public_key_pem,
                              last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, last_fetched_at
                                   FROM remote_accounts WHERE actor_uri = ?`
	sqlDeleteRemoteAccountByURI = `DELETE FROM remote_accounts WHERE actor_uri = ?`
)

// UpsertRemoteAccount stores a fetched actor, replacing the cached copy.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.OutboxURI,
			acc.PublicKeyPem,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (*domain.RemoteAccount, error) {
	row := db.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.OutboxURI,
		&acc.PublicKeyPem,
		&acc.LastFetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

func (db *DB) DeleteRemoteAccount(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccountByURI, uri)
		return err
	})
}

// Activities queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivityColumns     = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at FROM activities`
	sqlSelectActivityByURI       = sqlSelectActivityColumns + ` WHERE activity_uri = ?`
	sqlMarkActivityProcessed     = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlDeleteActivityByURI       = `DELETE FROM activities WHERE activity_uri = ?`
	sqlPruneActivities           = `DELETE FROM activities WHERE processed = 1 AND created_at < ?`
)

// RecordActivity logs an inbound activity. It reports false when an
// activity with the same id was logged before.
func (db *DB) RecordActivity(activity *domain.Activity) (bool, error) {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now()
	}
	inserted := false
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		inserted = n > 0
		return err
	})
	return inserted, err
}

func scanActivity(row scanner) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	var objectURI sql.NullString
	err := row.Scan(&idStr, &activity.ActivityURI, &activity.ActivityType, &activity.ActorURI,
		&objectURI, &activity.RawJSON, &activity.Processed, &activity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	activity.ObjectURI = objectURI.String
	return &activity, nil
}

func (db *DB) ReadActivityByURI(uri string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) MarkActivityProcessed(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityProcessed, uri)
		return err
	})
}

// ForgetActivity removes a log entry so a redelivery is handled again.
func (db *DB) ForgetActivity(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByURI, uri)
		return err
	})
}

// PruneActivities drops processed log entries older than cutoff.
func (db *DB) PruneActivities(cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPruneActivities, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
