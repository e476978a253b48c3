package db

import (
	"github.com/jackc/pgx/v5"

	"github.com/gyeh/claimflow/internal/model"
)

// ChannelSource is a pgx.CopyFromSource fed by a channel of staged mappings,
// so the Parquet reader and the COPY writer apply backpressure to each other.
type ChannelSource struct {
	ch      <-chan *model.StagingMapping
	current *model.StagingMapping
}

func NewChannelSource(ch <-chan *model.StagingMapping) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Next blocks for the next row and returns false once the channel is closed.
func (s *ChannelSource) Next() bool {
	row, ok := <-s.ch
	if !ok {
		return false
	}
	s.current = row
	return true
}

func (s *ChannelSource) Values() ([]any, error) {
	return s.current.CopyValues(), nil
}

// Err is always nil; producer errors travel on their own channel.
func (s *ChannelSource) Err() error {
	return nil
}

var _ pgx.CopyFromSource = (*ChannelSource)(nil)
