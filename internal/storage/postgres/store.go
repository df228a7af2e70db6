package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

type Options struct {
	DSN     string
	Channel string
	Logger  zerolog.Logger
}

// Store реализует интерфейс Storage с использованием PostgreSQL.
type Store struct {
	db        *gorm.DB
	documents *Table[domain.Document]
	presence  *Table[domain.PresenceRecord]
	comments  *Table[domain.Comment]

	cancel context.CancelFunc
	done   chan struct{}
}

// New подключается к базе, мигрирует схему и запускает слушателя NOTIFY.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	log := opts.Logger.With().Str("component", "postgres").Logger()

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&domain.Document{}, &domain.PresenceRecord{}, &domain.Comment{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &Store{db: db, done: make(chan struct{})}
	if s.documents, err = newTable(db, "documents", opts.Channel, "id", storage.PrepareDocument, log); err != nil {
		return nil, err
	}
	if s.presence, err = newTable(db, "presence", opts.Channel, "last_activity", storage.PreparePresence, log); err != nil {
		return nil, err
	}
	if s.comments, err = newTable(db, "comments", opts.Channel, "created_at, id", storage.PrepareComment, log); err != nil {
		return nil, err
	}

	l := &listener{
		dsn:     opts.DSN,
		channel: opts.Channel,
		tables: map[string]dispatcher{
			"documents": s.documents,
			"presence":  s.presence,
			"comments":  s.comments,
		},
		log:     log,
		backoff: time.Second,
	}
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		l.run(runCtx, conn)
	}()

	log.Info().Str("channel", opts.Channel).Msg("postgres storage ready")
	return s, nil
}

func (s *Store) Documents() storage.Collection[domain.Document]       { return s.documents }
func (s *Store) Presence() storage.Collection[domain.PresenceRecord] { return s.presence }
func (s *Store) Comments() storage.Collection[domain.Comment]        { return s.comments }

// Close останавливает слушателя и закрывает пул соединений.
func (s *Store) Close() error {
	s.cancel()
	<-s.done

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
