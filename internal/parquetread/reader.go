package parquetread

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/gyeh/claimflow/internal/model"
)

// Reader streams MappingRow records out of a mapping export.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[model.MappingRow]
}

// Open opens a Parquet file for streaming reads.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	return &Reader{file: f, reader: parquet.NewGenericReader[model.MappingRow](pf)}, nil
}

func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Read fills rows and returns io.EOF once the file is exhausted.
func (r *Reader) Read(rows []model.MappingRow) (int, error) {
	n, err := r.reader.Read(rows)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read parquet rows: %w", err)
	}
	return n, err
}

func (r *Reader) Schema() *parquet.Schema {
	return r.reader.Schema()
}

func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// WriteMappings writes rows as a Parquet file at path.
func WriteMappings(path string, rows []model.MappingRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	w := parquet.NewGenericWriter[model.MappingRow](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return f.Close()
}
