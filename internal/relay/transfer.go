package relay

import (
	"net"

	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/target"
)

// handleTransfer follows a server's Transfer: the relay adopts the new
// server as its target and points the client back at the relay, so the
// client's reconnect starts a fresh session against the new server.
func (r *Relay) handleTransfer(s *Session, t *protocol.Transfer) {
	next := target.NewAddress(t.Address, t.Port)
	if next.Port == 0 {
		next.Port = target.DefaultPort
	}
	r.SetTarget(next)

	self := r.redirectAddress(s)
	err := s.SendToClientImmediate(&protocol.Transfer{
		Address:     self.Host,
		Port:        self.Port,
		ReloadWorld: t.ReloadWorld,
	})
	if err != nil {
		s.logger.Warn("failed to redirect client", logging.KeyError, err)
	}

	r.metrics.Transfers.Inc()
	s.logger.Info("server transfer",
		logging.KeyTarget, next.String(),
		"redirect", self.String())
	s.invalidate("transferred to "+next.String(), r.cfg.TransferGrace)
}

// AdvertisedAddress returns the address clients are told to reconnect to.
func (r *Relay) AdvertisedAddress() target.Address {
	if !r.cfg.AdvertisedAddress.IsZero() {
		return r.cfg.AdvertisedAddress
	}
	if addr := r.Addr(); addr != nil {
		if a, err := target.ParseAddress(addr.String()); err == nil {
			return a
		}
	}
	a, _ := target.ParseAddress(r.cfg.ListenAddress)
	return a
}

// redirectAddress is where s is told to reconnect. Without an advertised
// address a wildcard listen host is replaced by the local address the
// client reached.
func (r *Relay) redirectAddress(s *Session) target.Address {
	a := r.AdvertisedAddress()
	if !unspecifiedHost(a.Host) {
		return a
	}
	if local := s.up.LocalAddr(); local != nil {
		if la, err := target.ParseAddress(local.String()); err == nil && !unspecifiedHost(la.Host) {
			a.Host = la.Host
			return a
		}
	}
	s.logger.Warn("no routable redirect address, set advertised_address",
		"redirect", a.String())
	return a
}

func unspecifiedHost(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
