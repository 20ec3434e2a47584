package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/service/logger"
)

// NewJetStreamClient dials NATS with unbounded reconnects. Every caller gets
// its own connection so one component draining does not cut off another.
func NewJetStreamClient(cfg *config.NatsConfig, name string) (*nats.Conn, error) {
	return nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),            // infinite retries
		nats.ReconnectWait(1*time.Second), // backoff
		nats.Name(name),
		nats.ReconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Log.Error().Err(err).Str("conn", name).Msg("NATs reconnected")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Log.Error().Err(err).Str("conn", name).Msg("NATs disconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Log.Info().Str("conn", name).Msg("NATs closed")
		}),
	)
}
