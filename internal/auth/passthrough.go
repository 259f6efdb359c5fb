package auth

import (
	"context"
	"log/slog"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
)

// Passthrough forwards the client's own login unmodified. The relay cannot
// read traffic once a server enables encryption for such a login, since
// only the client holds the key.
type Passthrough struct {
	logger *slog.Logger
}

// NewPassthrough creates a Passthrough adapter.
func NewPassthrough(logger *slog.Logger) *Passthrough {
	return &Passthrough{logger: logging.OrNop(logger)}
}

func (a *Passthrough) Mode() Mode { return ModePassthrough }

// HandleLogin starts the outbound connect and sends the original login
// once compression is aligned with the server.
func (a *Passthrough) HandleLogin(ctx context.Context, s Session, login *protocol.Login) error {
	actx, err := capture(ModePassthrough, login)
	if err != nil {
		a.logger.Debug("could not parse login, forwarding as is", logging.KeyError, err)
		actx = &Context{Mode: ModePassthrough, Login: login}
	}
	s.SetAuthContext(actx)

	a.logger.Info("passing client login through", logAttrs(s, ModePassthrough)...)

	return s.ConnectOutbound(func(ctx context.Context, down *conn.Conn) error {
		return downstreamLogin(ctx, s, down, login, nil)
	})
}
