package db

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type BadgerStore struct {
	DB *badger.DB
}

func NewBadgerStore(path string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log.Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	log.Info("opened badger store", zap.String("path", path))
	return &BadgerStore{DB: db}, nil
}

func (b *BadgerStore) Close(context.Context) error {
	if b == nil || b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

func (b *BadgerStore) Ping(context.Context) error {
	if b == nil || b.DB == nil || b.DB.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

// badgerLogger routes badger's logs through zap; badger noise stays at debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any) { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
