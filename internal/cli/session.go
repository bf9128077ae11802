package cli

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
)

// session is the state one command invocation works with. Stores are opened
// on demand and closed by Close.
type session struct {
	opts   *RootOptions
	out    *OutputFormatter
	cfg    config.Config
	log    *logrus.Entry
	handle *store.Handle
	local  *store.DB
	remote *remote.Store
}

// newSession loads the configuration. Failures are reported through the
// formatter and returned as exit code 2.
func newSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	out := formatter(opts, cmd)
	cfg, err := config.Load(config.LoadOptions{
		File:      opts.ConfigFile,
		EnvFile:   opts.EnvFile,
		LookupEnv: opts.LookupEnv,
	})
	if err != nil {
		var details any = err.Error()
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			details = ve.Messages
		}
		if outErr := out.Error(ErrCodeConfig, "invalid configuration", details); outErr != nil {
			return nil, outErr
		}
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	return &session{
		opts: opts,
		out:  out,
		cfg:  cfg,
		log:  newLogger(opts, cmd.ErrOrStderr()),
	}, nil
}

// openLocal opens and migrates the local store. Later calls reuse it.
func (s *session) openLocal(ctx context.Context) error {
	if s.handle == nil {
		cfg := s.cfg.StoreConfig(s.log)
		cfg.Now = s.opts.Now
		s.handle = store.NewHandle(cfg)
	}
	db, err := s.handle.Get(ctx)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to open local store", err)
	}
	s.local = db
	s.out.VerboseLog("Opened local store %s", s.cfg.Local.Path)
	return nil
}

func (s *session) openRemote(ctx context.Context) error {
	r, err := remote.Open(ctx, s.cfg.Remote.Driver, s.cfg.Remote.DSN, s.log)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeRemoteStore, "failed to connect to remote store", err)
	}
	s.remote = r
	s.out.VerboseLog("Connected to %s remote", s.cfg.Remote.Driver)
	return nil
}

func (s *session) sequence() (*sequence.Generator, error) {
	opts, err := s.cfg.SequenceOptions(s.log)
	if err != nil {
		return nil, s.out.fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	g, err := sequence.New(opts)
	if err != nil {
		return nil, s.out.fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	return g, nil
}

// engine builds a sync engine over the open stores. Without an open remote
// the engine can only read and reset checkpoints.
func (s *session) engine(tables []entity.Syncable) (*engine.Engine, error) {
	var r entity.Remote = offline{}
	if s.remote != nil {
		r = s.remote
	}
	opts := append(s.cfg.EngineOptions(s.log), engine.WithNow(s.opts.now))
	if len(tables) > 0 {
		opts = append(opts, engine.WithTables(tables...))
	}
	eng, err := engine.New(s.local, r, s.cfg.BusinessUnitID, opts...)
	if err != nil {
		return nil, s.out.fail(ExitCommandError, ErrCodeGeneric, "failed to create sync engine", err)
	}
	return eng, nil
}

// Close closes whichever stores were opened.
func (s *session) Close() {
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			s.log.WithError(err).Warn("error closing remote store")
		}
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.WithError(err).Warn("error closing local store")
		}
	}
}

var errOffline = errors.New("remote store not connected")

// offline is the remote of commands that never talk to it.
type offline struct{}

func (offline) Upsert(context.Context, string, []string, []any) error { return errOffline }

func (offline) Since(context.Context, any, string, []string, string, time.Time, string, int) error {
	return errOffline
}

// resolveTables maps table names to registered tables in sync order.
func resolveTables(names []string) ([]entity.Syncable, error) {
	if len(names) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := entity.Lookup(n); !ok {
			return nil, &unknownTableError{name: n}
		}
		want[n] = true
	}
	var out []entity.Syncable
	for _, t := range entity.Registry() {
		if want[t.Table()] {
			out = append(out, t)
		}
	}
	return out, nil
}

type unknownTableError struct{ name string }

func (e *unknownTableError) Error() string {
	return "unknown table " + e.name
}
