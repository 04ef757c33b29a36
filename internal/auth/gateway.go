package auth

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/recallhq/recall/internal/access"
)

// PolicyFunc returns the current immutable access policy snapshot.
// Config reloads publish a fresh Policy value; a snapshot taken at the
// start of a call stays consistent for that call's duration.
type PolicyFunc func() access.Policy

// Gateway is the per-call admission path. Tool-style calls carry an
// optional secret inside their argument payload; the gateway resolves
// it into a Decision that the record store enforces. It never returns a
// bare allow/deny boolean.
type Gateway struct {
	policy PolicyFunc
	logger *slog.Logger
}

// NewGateway creates a Gateway over a policy snapshot source.
func NewGateway(policy PolicyFunc, logger *slog.Logger) *Gateway {
	return &Gateway{policy: policy, logger: logger}
}

// Decide extracts the "secret" field from raw tool-call argument JSON
// and resolves it against the current policy. A missing field, a
// non-string value, and an unrecognized secret all yield LevelNone.
func (g *Gateway) Decide(rawArgs []byte) access.Decision {
	secret := gjson.GetBytes(rawArgs, "secret").Str
	d := access.Resolve(secret, g.policy())

	g.logger.Debug("per-call privilege resolved",
		slog.String("level", d.Level.String()),
		slog.String("scope", d.Scope),
	)

	return d
}

