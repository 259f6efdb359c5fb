package relay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/postalsys/bedrock-relay/internal/target"
)

// ErrMalformedStatus is returned when a pong payload cannot be parsed.
var ErrMalformedStatus = errors.New("malformed status")

// StatusConfig is the static part of the discovery status.
type StatusConfig struct {
	Edition    string
	MOTD       string
	SubMOTD    string
	MaxPlayers int
	GameMode   string
}

// DefaultStatusConfig returns the default discovery status.
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		Edition:    "MCPE",
		MOTD:       "Bedrock Relay",
		SubMOTD:    "bedrock-relay",
		MaxPlayers: 20,
		GameMode:   "Survival",
	}
}

// Status is the payload answered to unconnected pings.
type Status struct {
	Edition  string
	MOTD     string
	Protocol int32
	Version  string
	Online   int
	Max      int
	ServerID uint64
	SubMOTD  string
	GameMode string
	Port4    uint16
	Port6    uint16
}

// Marshal encodes the status in the semicolon separated pong format.
func (s Status) Marshal() []byte {
	return []byte(fmt.Sprintf("%s;%s;%d;%s;%d;%d;%d;%s;%s;1;%d;%d;",
		clean(s.Edition), clean(s.MOTD), s.Protocol, clean(s.Version),
		s.Online, s.Max, s.ServerID, clean(s.SubMOTD), clean(s.GameMode),
		s.Port4, s.Port6))
}

// ParseStatus decodes a pong payload. Only the first six fields are
// required.
func ParseStatus(data []byte) (Status, error) {
	fields := strings.Split(string(data), ";")
	if len(fields) < 6 {
		return Status{}, fmt.Errorf("%w: %d fields", ErrMalformedStatus, len(fields))
	}

	var (
		st  = Status{Edition: fields[0], MOTD: fields[1], Version: fields[3]}
		err error
	)
	proto, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return Status{}, fmt.Errorf("%w: protocol %q", ErrMalformedStatus, fields[2])
	}
	st.Protocol = int32(proto)
	if st.Online, err = strconv.Atoi(fields[4]); err != nil {
		return Status{}, fmt.Errorf("%w: online %q", ErrMalformedStatus, fields[4])
	}
	if st.Max, err = strconv.Atoi(fields[5]); err != nil {
		return Status{}, fmt.Errorf("%w: max %q", ErrMalformedStatus, fields[5])
	}

	// Optional trailing fields are best effort.
	if len(fields) > 6 {
		st.ServerID, _ = strconv.ParseUint(fields[6], 10, 64)
	}
	if len(fields) > 7 {
		st.SubMOTD = fields[7]
	}
	if len(fields) > 8 {
		st.GameMode = fields[8]
	}
	if len(fields) > 10 {
		p, _ := strconv.ParseUint(fields[10], 10, 16)
		st.Port4 = uint16(p)
	}
	if len(fields) > 11 {
		p, _ := strconv.ParseUint(fields[11], 10, 16)
		st.Port6 = uint16(p)
	}
	return st, nil
}

func clean(s string) string {
	return strings.ReplaceAll(s, ";", "")
}

func newServerID() uint64 {
	return rand.Uint64()
}

// Status returns the discovery status the relay currently answers with.
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Relay) statusLocked() Status {
	newest := r.negotiator.Table().Newest()
	port := r.listenPortLocked()
	return Status{
		Edition:  r.cfg.Status.Edition,
		MOTD:     r.cfg.Status.MOTD,
		Protocol: newest.Protocol,
		Version:  newest.GameVersion,
		Online:   len(r.sessions),
		Max:      r.cfg.Status.MaxPlayers,
		ServerID: r.serverID,
		SubMOTD:  r.cfg.Status.SubMOTD,
		GameMode: r.cfg.Status.GameMode,
		Port4:    port,
		Port6:    port,
	}
}

func (r *Relay) refreshStatusLocked() {
	if r.listener != nil {
		r.listener.SetStatus(r.statusLocked().Marshal())
	}
}

func (r *Relay) listenPortLocked() uint16 {
	addr := r.cfg.ListenAddress
	if r.listener != nil {
		addr = r.listener.Addr().String()
	}
	if a, err := target.ParseAddress(addr); err == nil {
		return a.Port
	}
	return target.DefaultPort
}
