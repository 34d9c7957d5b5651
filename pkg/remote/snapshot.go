package remote

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Snapshots reads the remote state a record's diff runs against. A record
// whose path resolves to nothing yields a nil state, which the engine
// reads as absent.
type Snapshots struct {
	client *Client
	logger zerolog.Logger
}

var _ engine.SnapshotProvider = (*Snapshots)(nil)

// NewSnapshots builds a snapshot provider over client.
func NewSnapshots(client *Client, logger zerolog.Logger) *Snapshots {
	return &Snapshots{
		client: client,
		logger: logger.With().Str("component", "snapshots").Logger(),
	}
}

// Current resolves the record's path and fetches the resource state. It
// returns nil without error when the resource does not exist.
func (s *Snapshots) Current(ctx context.Context, record *engine.Record) (map[string]interface{}, error) {
	id, err := s.client.GetByPath(ctx, record.Path, record.ResourceType)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	state, err := s.client.Get(ctx, record.ResourceType, id)
	if err != nil {
		if engine.IsNotFound(err) {
			s.logger.Debug().
				Str("path", record.Path).
				Int64("id", id).
				Msg("resource vanished between lookup and fetch")
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}
