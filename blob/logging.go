package blob

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

var _ Interface = &Logging{}

// Logging delegates everything to a nested blob store,
// logging operations at debug level as they happen.
type Logging struct {
	s   Interface
	log zerolog.Logger
}

func NewLogging(s Interface, log zerolog.Logger) *Logging {
	return &Logging{s: s, log: log}
}

func (l *Logging) Exists(path, hash string) bool {
	return l.s.Exists(path, hash)
}

func (l *Logging) HasBinary(path, hash string) bool {
	return l.s.HasBinary(path, hash)
}

func (l *Logging) HasPatch(path, hash string) bool {
	return l.s.HasPatch(path, hash)
}

func (l *Logging) Write(ctx context.Context, path, hash string, r io.Reader, subscriber string) (int64, error) {
	n, err := l.s.Write(ctx, path, hash, r, subscriber)
	l.event(err).Str("path", path).Str("hash", hash).Str("subscriber", subscriber).Int64("written", n).Msg("Write")
	return n, err
}

func (l *Logging) WritePatch(ctx context.Context, path, hash string, patch []byte, subscriber string) (int64, error) {
	n, err := l.s.WritePatch(ctx, path, hash, patch, subscriber)
	l.event(err).Str("path", path).Str("hash", hash).Str("subscriber", subscriber).Int64("written", n).Msg("WritePatch")
	return n, err
}

func (l *Logging) Promote(ctx context.Context, path, hash string, r io.Reader) (int64, error) {
	n, err := l.s.Promote(ctx, path, hash, r)
	l.event(err).Str("path", path).Str("hash", hash).Int64("written", n).Msg("Promote")
	return n, err
}

func (l *Logging) Subscribe(ctx context.Context, path, hash, subscriber string) error {
	err := l.s.Subscribe(ctx, path, hash, subscriber)
	l.event(err).Str("path", path).Str("hash", hash).Str("subscriber", subscriber).Msg("Subscribe")
	return err
}

func (l *Logging) Unsubscribe(ctx context.Context, path, hash, subscriber string) error {
	err := l.s.Unsubscribe(ctx, path, hash, subscriber)
	l.event(err).Str("path", path).Str("hash", hash).Str("subscriber", subscriber).Msg("Unsubscribe")
	return err
}

func (l *Logging) Subscribers(path, hash string) ([]string, error) {
	return l.s.Subscribers(path, hash)
}

func (l *Logging) Open(path, hash string) (io.ReadCloser, error) {
	rc, err := l.s.Open(path, hash)
	l.event(err).Str("path", path).Str("hash", hash).Msg("Open")
	return rc, err
}

func (l *Logging) ReadPatch(path, hash string) ([]byte, error) {
	b, err := l.s.ReadPatch(path, hash)
	l.event(err).Str("path", path).Str("hash", hash).Int("size", len(b)).Msg("ReadPatch")
	return b, err
}

func (l *Logging) Walk(ctx context.Context, f func(path, hash string) error) error {
	l.log.Debug().Msg("Walk")
	return l.s.Walk(ctx, func(path, hash string) error {
		err := f(path, hash)
		if err != nil {
			l.log.Debug().Err(err).Str("path", path).Str("hash", hash).Msg("  ERROR in Walk")
		}
		return err
	})
}

func (l *Logging) Remove(ctx context.Context, path, hash string) error {
	err := l.s.Remove(ctx, path, hash)
	l.event(err).Str("path", path).Str("hash", hash).Msg("Remove")
	return err
}

func (l *Logging) event(err error) *zerolog.Event {
	if err != nil {
		return l.log.Debug().Err(err)
	}
	return l.log.Debug()
}
