package logwriter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"autobot-telemetry/internal/db"
	"autobot-telemetry/internal/models"
)

// Sink persists flattened log rows
type Sink interface {
	Name() string
	WriteRows(rows []models.LogRow) error
	Close() error
}

// csvFile is the handle a CSVSink writes through
type csvFile interface {
	io.Writer
	Sync() error
	Close() error
}

// CSVSink appends rows to a CSV file. The header is written only when the
// file is new or empty, so restarts keep appending to the same log. After a
// failed write the handle is dropped and the file reopened on the next
// call, so a transient fault (full disk, removed media) does not poison
// the sink for the rest of the run.
type CSVSink struct {
	path string
	file csvFile
	w    *csv.Writer
}

// OpenCSV opens (creating if needed) the CSV log at path
func OpenCSV(path string) (*CSVSink, error) {
	s := &CSVSink{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat csv log: %w", err)
	}

	s.file, s.w = f, csv.NewWriter(f)
	if info.Size() == 0 {
		if err := s.w.Write(models.LogHeader[:]); err != nil {
			s.reset()
			return err
		}
		if err := s.sync(); err != nil {
			s.reset()
			return err
		}
	}
	return nil
}

// reset discards the handle and the writer's sticky error state
func (s *CSVSink) reset() {
	if s.file != nil {
		s.file.Close()
	}
	s.file, s.w = nil, nil
}

func (s *CSVSink) Name() string { return "csv:" + s.path }

// WriteRows appends rows and syncs the file
func (s *CSVSink) WriteRows(rows []models.LogRow) error {
	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := s.w.Write(r.Strings()); err != nil {
			s.reset()
			return err
		}
	}
	if err := s.sync(); err != nil {
		s.reset()
		return err
	}
	return nil
}

func (s *CSVSink) sync() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *CSVSink) Close() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := errors.Join(s.w.Error(), s.file.Close())
	s.file, s.w = nil, nil
	return err
}

// SQLiteSink stores rows in the telemetry_log table, tagged with the link
// session that produced them
type SQLiteSink struct {
	db      *db.Database
	session func() string
	owned   bool
}

// NewSQLiteSink wraps an open database. session may be nil. The caller
// keeps ownership of database.
func NewSQLiteSink(database *db.Database, session func() string) *SQLiteSink {
	return &SQLiteSink{db: database, session: session}
}

// OpenSQLite opens the database at path and returns a sink that closes it
func OpenSQLite(path string, session func() string) (*SQLiteSink, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteSink{db: database, session: session, owned: true}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Database exposes the underlying store for queries
func (s *SQLiteSink) Database() *db.Database { return s.db }

func (s *SQLiteSink) WriteRows(rows []models.LogRow) error {
	var session string
	if s.session != nil {
		session = s.session()
	}
	_, err := s.db.InsertRows(session, rows)
	return err
}

func (s *SQLiteSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// MultiSink writes every batch to each sink in order. A batch counts as
// written only when every sink accepted it.
type MultiSink []Sink

func (m MultiSink) Name() string {
	name := "multi"
	for _, s := range m {
		name += "+" + s.Name()
	}
	return name
}

func (m MultiSink) WriteRows(rows []models.LogRow) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteRows(rows); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
