package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/bedrock-relay/internal/auth"
	"github.com/postalsys/bedrock-relay/internal/chaos"
	"github.com/postalsys/bedrock-relay/internal/codec"
	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/intercept"
	"github.com/postalsys/bedrock-relay/internal/metrics"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

const (
	relayAddr     = "relay:19132"
	serverAddr    = "server:19132"
	clientVersion = 766
	waitTimeout   = 5 * time.Second
)

func fastProfile() target.Profile {
	return target.Profile{
		Name:              "test",
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		ConnectTimeout:    time.Second,
		SessionTimeout:    2 * time.Second,
	}
}

type harness struct {
	t       *testing.T
	mt      *transport.MemoryTransport
	relay   *Relay
	metrics *metrics.Metrics
	rec     *recordingListener
}

func newHarness(t *testing.T, adapter auth.Adapter, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		mt:      transport.NewMemoryTransport(),
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		rec:     newRecordingListener(),
	}

	cfg := DefaultConfig()
	cfg.ListenAddress = relayAddr
	cfg.Target = target.NewAddress("server", 19132)
	cfg.Transport = h.mt
	cfg.Auth = adapter
	cfg.Policy = target.StaticPolicy{Profile: fastProfile()}
	cfg.AcceptRate = 0
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.TransferGrace = 50 * time.Millisecond
	cfg.Metrics = h.metrics
	cfg.ListenerFactory = func(intercept.Session) []intercept.Listener {
		return []intercept.Listener{h.rec}
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop() })
	h.relay = r
	return h
}

func offlineAdapter(t *testing.T) auth.Adapter {
	t.Helper()
	a, err := auth.NewOffline(auth.OfflineConfig{DisplayName: "Relay"})
	if err != nil {
		t.Fatalf("NewOffline: %v", err)
	}
	return a
}

// recordingListener records the packets it sees and swallows client
// packets with id 0x91.
type recordingListener struct {
	intercept.Base

	mu          sync.Mutex
	started     int
	fromClient  []uint32
	fromServer  []uint32
	disconnects []string
	done        chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{done: make(chan struct{})}
}

func (l *recordingListener) OnSessionStart(intercept.Session) {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
}

func (l *recordingListener) BeforeClientPacket(_ intercept.Session, pk protocol.Packet) intercept.Result {
	l.mu.Lock()
	l.fromClient = append(l.fromClient, pk.ID())
	l.mu.Unlock()
	if pk.ID() == 0x91 {
		return intercept.Swallow
	}
	return intercept.Continue
}

func (l *recordingListener) BeforeServerPacket(_ intercept.Session, pk protocol.Packet) intercept.Result {
	l.mu.Lock()
	l.fromServer = append(l.fromServer, pk.ID())
	l.mu.Unlock()
	return intercept.Continue
}

func (l *recordingListener) seen() (fromClient, fromServer []uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint32(nil), l.fromClient...), append([]uint32(nil), l.fromServer...)
}

func containsID(ids []uint32, id uint32) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (l *recordingListener) OnDisconnect(_ intercept.Session, reason string) {
	l.mu.Lock()
	l.disconnects = append(l.disconnects, reason)
	first := len(l.disconnects) == 1
	l.mu.Unlock()
	if first {
		close(l.done)
	}
}

func (l *recordingListener) waitDisconnect(t *testing.T) []string {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(waitTimeout):
		t.Fatal("listener was not notified of disconnect")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.disconnects...)
}

// fakeServer accepts one connection, completes an offline login and then
// reports every packet it receives.
type fakeServer struct {
	conns    chan *conn.Conn
	logins   chan *protocol.Login
	received chan protocol.Packet
	closed   chan struct{}

	mu sync.Mutex
	c  *conn.Conn
}

func startFakeServer(t *testing.T, mt *transport.MemoryTransport) *fakeServer {
	t.Helper()
	ln, err := mt.Listen(serverAddr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	fs := &fakeServer{
		conns:    make(chan *conn.Conn, 1),
		logins:   make(chan *protocol.Login, 1),
		received: make(chan protocol.Packet, 64),
		closed:   make(chan struct{}),
	}
	t.Cleanup(func() {
		ln.Close()
		fs.mu.Lock()
		if fs.c != nil {
			fs.c.Close()
		}
		fs.mu.Unlock()
	})

	go func() {
		defer close(fs.closed)
		tc, err := ln.Accept()
		if err != nil {
			return
		}
		c := conn.New(tc, protocol.Codec{})
		fs.mu.Lock()
		fs.c = c
		fs.mu.Unlock()

		pk, err := c.ReadPacket()
		if err != nil {
			return
		}
		rns, ok := pk.(*protocol.RequestNetworkSettings)
		if !ok {
			return
		}
		cd, _ := codec.DefaultTable().Codec(rns.ClientProtocol)
		c.SetCodec(cd)
		c.WritePacketImmediate(&protocol.NetworkSettings{CompressionThreshold: 1, CompressionAlgorithm: protocol.CompressionSnappy})
		c.EnableCompression(protocol.CompressionSnappy, 1)

		pk, err = c.ReadPacket()
		if err != nil {
			return
		}
		login, ok := pk.(*protocol.Login)
		if !ok {
			return
		}
		c.WritePacketImmediate(&protocol.PlayStatus{Status: protocol.PlayStatusLoginSuccess})
		fs.logins <- login
		fs.conns <- c

		for {
			pk, err := c.ReadPacket()
			if err != nil {
				return
			}
			fs.received <- pk
		}
	}()
	return fs
}

func (fs *fakeServer) conn(t *testing.T) *conn.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("server never completed login")
		return nil
	}
}

func (fs *fakeServer) next(t *testing.T) protocol.Packet {
	t.Helper()
	select {
	case pk := <-fs.received:
		return pk
	case <-time.After(waitTimeout):
		t.Fatal("server received nothing")
		return nil
	}
}

func signedLogin(t *testing.T) *protocol.Login {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub, err := auth.MarshalPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey: %v", err)
	}
	chainLink, err := auth.Sign(jwt.MapClaims{
		"identityPublicKey": pub,
		"extraData":         map[string]any{"displayName": "Alex"},
	}, k)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	clientData, err := auth.Sign(jwt.MapClaims{"SkinId": "custom"}, k)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, err := (&auth.Request{Chain: []string{chainLink}, ClientData: clientData}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return &protocol.Login{ClientProtocol: clientVersion, ConnectionRequest: data}
}

// dialClient connects a fake game client to the relay and completes the
// network settings exchange.
func dialClient(t *testing.T, h *harness) *conn.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	tc, err := h.mt.Dial(ctx, relayAddr)
	if err != nil {
		t.Fatalf("Dial relay: %v", err)
	}
	c := conn.New(tc, protocol.Codec{})
	t.Cleanup(func() { c.Close() })

	if err := c.WritePacketImmediate(&protocol.RequestNetworkSettings{ClientProtocol: clientVersion}); err != nil {
		t.Fatalf("write RequestNetworkSettings: %v", err)
	}
	ns, ok := readPacket(t, c).(*protocol.NetworkSettings)
	if !ok {
		t.Fatal("expected NetworkSettings")
	}
	cd, _ := codec.DefaultTable().Codec(clientVersion)
	c.SetCodec(cd)
	if err := c.EnableCompression(ns.CompressionAlgorithm, int(ns.CompressionThreshold)); err != nil {
		t.Fatalf("EnableCompression: %v", err)
	}
	return c
}

func readPacket(t *testing.T, c *conn.Conn) protocol.Packet {
	t.Helper()
	type result struct {
		pk  protocol.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pk, err := c.ReadPacket()
		ch <- result{pk, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ReadPacket: %v", r.err)
		}
		return r.pk
	case <-time.After(waitTimeout):
		c.Close()
		t.Fatal("timed out reading packet")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func unknown(id uint32, payload string) *protocol.Unknown {
	return &protocol.Unknown{Header: protocol.Header{PacketID: id}, Payload: []byte(payload)}
}

func TestRelay_EndToEnd(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), nil)
	server := startFakeServer(t, h.mt)

	client := dialClient(t, h)
	if err := client.WritePacketImmediate(signedLogin(t)); err != nil {
		t.Fatalf("write login: %v", err)
	}

	// The offline adapter forwards its own login, not the client's.
	select {
	case login := <-server.logins:
		req, err := auth.ParseRequest(login.ConnectionRequest)
		if err != nil {
			t.Fatalf("server could not parse login: %v", err)
		}
		claims, _ := auth.LastClaims(req.Chain)
		if extra, _ := claims["extraData"].(map[string]any); extra["displayName"] != "Relay" {
			t.Errorf("server saw identity %v, want Relay", claims["extraData"])
		}
	case <-time.After(waitTimeout):
		t.Fatal("server never received a login")
	}
	srv := server.conn(t)

	if ps, ok := readPacket(t, client).(*protocol.PlayStatus); !ok || ps.Status != protocol.PlayStatusLoginSuccess {
		t.Fatal("client did not receive login success")
	}

	// Client to server, with 0x91 swallowed by the listener.
	client.WritePacket(unknown(0x90, "hello"))
	client.WritePacket(unknown(0x91, "secret"))
	client.WritePacket(unknown(0x92, "world"))
	client.Flush()

	for _, want := range []string{"hello", "world"} {
		pk := server.next(t)
		u, ok := pk.(*protocol.Unknown)
		if !ok || string(u.Payload) != want {
			t.Fatalf("server got %#v, want payload %q", pk, want)
		}
	}

	// Server to client.
	srv.WritePacketImmediate(unknown(0x93, "from server"))
	u, ok := readPacket(t, client).(*protocol.Unknown)
	if !ok || u.ID() != 0x93 || string(u.Payload) != "from server" {
		t.Fatalf("client got %#v", u)
	}

	if got := testutil.ToFloat64(h.metrics.PacketsSwallowed.WithLabelValues("client")); got != 1 {
		t.Errorf("swallowed metric = %v, want 1", got)
	}
	if h.relay.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", h.relay.SessionCount())
	}

	// Client leaves; the server side is closed and listeners notified once.
	client.Close()
	reasons := h.rec.waitDisconnect(t)
	if len(reasons) != 1 || reasons[0] != ReasonClientClosed {
		t.Errorf("disconnect reasons = %v", reasons)
	}
	waitFor(t, "session removal", func() bool { return h.relay.SessionCount() == 0 })
	select {
	case <-server.closed:
	case <-time.After(waitTimeout):
		t.Error("server connection still open after client left")
	}
}

func TestRelay_Transfer(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), func(c *Config) {
		c.AdvertisedAddress = target.NewAddress("relay.example.com", 19132)
	})
	server := startFakeServer(t, h.mt)

	client := dialClient(t, h)
	client.WritePacketImmediate(signedLogin(t))
	srv := server.conn(t)
	readPacket(t, client) // login success

	sessions := h.relay.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]

	srv.WritePacketImmediate(&protocol.Transfer{Address: "lobby2.example.net", Port: 19133})

	tr, ok := readPacket(t, client).(*protocol.Transfer)
	if !ok {
		t.Fatal("client did not receive a transfer")
	}
	if tr.Address != "relay.example.com" || tr.Port != 19132 {
		t.Errorf("client redirected to %s:%d, want the relay", tr.Address, tr.Port)
	}

	fromClient, fromServer := h.rec.seen()
	for _, id := range []uint32{protocol.IDRequestNetworkSettings, protocol.IDLogin} {
		if !containsID(fromClient, id) {
			t.Errorf("listener did not observe client packet %s", protocol.Name(id))
		}
	}
	if !containsID(fromServer, protocol.IDTransfer) {
		t.Error("listener did not observe the server transfer")
	}
	if got := h.relay.Target(); got != target.NewAddress("lobby2.example.net", 19133) {
		t.Errorf("relay target = %s", got)
	}

	reasons := h.rec.waitDisconnect(t)
	if len(reasons) != 1 || !strings.Contains(reasons[0], "lobby2.example.net") {
		t.Errorf("disconnect reasons = %v", reasons)
	}
	if !s.Invalidated() {
		t.Error("session not invalidated")
	}
	if err := s.SendToServer(unknown(0x90, "late")); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("SendToServer after transfer = %v", err)
	}
	if err := s.SendToClient(unknown(0x90, "late")); !errors.Is(err, ErrSessionInvalidated) {
		t.Errorf("SendToClient after transfer = %v", err)
	}
}

func TestRelay_RedirectAddress(t *testing.T) {
	tests := []struct {
		name       string
		advertised target.Address
		local      string
		want       string
	}{
		{"advertised wins", target.NewAddress("relay.example.com", 19133), "10.1.2.3:19132", "relay.example.com:19133"},
		{"wildcard uses local address", target.Address{}, "10.1.2.3:19132", "10.1.2.3:19132"},
		{"wildcard ipv6 uses local address", target.Address{}, "[2001:db8::1]:19132", "[2001:db8::1]:19132"},
		{"unroutable local address", target.Address{}, "0.0.0.0:19132", "0.0.0.0:19132"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, offlineAdapter(t), func(c *Config) {
				c.ListenAddress = "0.0.0.0:19132"
				c.AdvertisedAddress = tt.advertised
			})

			a, _ := transport.Pipe(addrString(tt.local), addrString("198.51.100.7:50000"))
			s := newSession(context.Background(), h.relay, h.relay.Target(), a)
			t.Cleanup(func() { s.Disconnect("test done") })

			if got := h.relay.redirectAddress(s).String(); got != tt.want {
				t.Errorf("redirect = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRelay_ExpiredCredential(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	provider := auth.NewStaticIdentityProvider(&auth.Identity{
		Chain:      []string{"stale"},
		PrivateKey: key,
		ExpiresAt:  time.Now().Add(-time.Hour),
	})
	provider.RefreshFunc = func(context.Context) (*auth.Identity, error) {
		return nil, errors.New("refresh token revoked")
	}
	h := newHarness(t, auth.NewOnline(auth.OnlineConfig{Provider: provider}), nil)

	client := dialClient(t, h)
	client.WritePacketImmediate(signedLogin(t))

	d, ok := readPacket(t, client).(*protocol.Disconnect)
	if !ok {
		t.Fatal("client was not disconnected")
	}
	if !strings.Contains(d.Message, "expired") {
		t.Errorf("disconnect message %q does not mention expiry", d.Message)
	}
	reasons := h.rec.waitDisconnect(t)
	if len(reasons) != 1 || reasons[0] != d.Message {
		t.Errorf("listener reasons = %v", reasons)
	}
	if n := h.mt.DialsTo(serverAddr); n != 0 {
		t.Errorf("outbound dials = %d, want 0", n)
	}
	if got := testutil.ToFloat64(h.metrics.AuthFailures.WithLabelValues("online")); got != 1 {
		t.Errorf("auth failure metric = %v, want 1", got)
	}
}

func TestRelay_ConnectFailureDisconnectsClient(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), nil)

	client := dialClient(t, h)
	client.WritePacketImmediate(signedLogin(t))

	d, ok := readPacket(t, client).(*protocol.Disconnect)
	if !ok {
		t.Fatal("client was not disconnected")
	}
	if !strings.Contains(d.Message, "after 3 attempts") {
		t.Errorf("disconnect message = %q", d.Message)
	}
	if n := h.mt.DialsTo(serverAddr); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
	if got := testutil.ToFloat64(h.metrics.ConnectAttempts.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry attempts metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.ConnectAttempts.WithLabelValues("exhausted")); got != 1 {
		t.Errorf("exhausted attempts metric = %v, want 1", got)
	}
}

func TestRelay_RetriesInjectedDialFailures(t *testing.T) {
	injector := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultError,
		Probability: 1.0,
		Limit:       2,
	})
	h := newHarness(t, offlineAdapter(t), func(c *Config) {
		c.Transport = chaos.WrapTransport(c.Transport, injector)
	})
	server := startFakeServer(t, h.mt)

	client := dialClient(t, h)
	client.WritePacketImmediate(signedLogin(t))

	server.conn(t)
	if ps, ok := readPacket(t, client).(*protocol.PlayStatus); !ok || ps.Status != protocol.PlayStatusLoginSuccess {
		t.Fatal("client did not receive login success")
	}

	if got := injector.GetStats()[chaos.FaultError]; got != 2 {
		t.Errorf("injected dial errors = %d, want 2", got)
	}
	if n := h.mt.DialsTo(serverAddr); n != 1 {
		t.Errorf("dials reaching the server = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.metrics.ConnectAttempts.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry attempts metric = %v, want 2", got)
	}
}

func TestRelay_QueuesUntilConnected(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, offlineAdapter(t), nil)
	h.mt.DialHook = func(ctx context.Context, addr string) error {
		if addr != serverAddr {
			return nil
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return relayerr.Timeout("dial", ctx.Err())
		}
	}
	server := startFakeServer(t, h.mt)

	client := dialClient(t, h)
	client.WritePacketImmediate(signedLogin(t))
	for i := 0; i < 5; i++ {
		client.WritePacketImmediate(unknown(0x90, string(rune('a'+i))))
	}

	waitFor(t, "packets to queue", func() bool {
		ss := h.relay.Sessions()
		return len(ss) == 1 && ss[0].queue.Len() == 5
	})
	close(release)

	server.conn(t)
	for i := 0; i < 5; i++ {
		u, ok := server.next(t).(*protocol.Unknown)
		if !ok || string(u.Payload) != string(rune('a'+i)) {
			t.Fatalf("packet %d = %#v", i, u)
		}
	}
}

func TestSession_ConnectOutboundExclusive(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), nil)
	h.mt.DialHook = func(ctx context.Context, addr string) error {
		if addr != serverAddr {
			return nil
		}
		<-ctx.Done()
		return relayerr.Timeout("dial", ctx.Err())
	}

	a, _ := transport.Pipe(addrString("relay"), addrString("client"))
	s := newSession(context.Background(), h.relay, h.relay.Target(), a)
	t.Cleanup(func() { s.Disconnect("test done") })

	noop := func(context.Context, *conn.Conn) error { return nil }
	if err := s.ConnectOutbound(noop); err != nil {
		t.Fatalf("first ConnectOutbound: %v", err)
	}
	err := s.ConnectOutbound(noop)
	if relayerr.KindOf(err) != relayerr.KindPolicy {
		t.Errorf("second ConnectOutbound = %v, want policy error", err)
	}
}

func TestRelay_StartStopIdempotent(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), nil)

	if err := h.relay.Start(context.Background()); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if !h.relay.IsRunning() {
		t.Error("relay not running")
	}
	if err := h.relay.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := h.relay.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if h.relay.IsRunning() {
		t.Error("relay still running")
	}
}

func TestRelay_StopDisconnectsClients(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), nil)
	client := dialClient(t, h)
	waitFor(t, "session", func() bool { return h.relay.SessionCount() == 1 })

	h.relay.Stop()

	d, ok := readPacket(t, client).(*protocol.Disconnect)
	if !ok || d.Message != ReasonShutdown {
		t.Errorf("client got %#v", d)
	}
	if h.relay.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after Stop", h.relay.SessionCount())
	}
}

func TestRelay_MaxSessions(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), func(c *Config) { c.MaxSessions = 1 })
	dialClient(t, h)
	waitFor(t, "session", func() bool { return h.relay.SessionCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	tc, err := h.mt.Dial(ctx, relayAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := tc.ReadPacket(); err == nil {
		t.Error("second client was not refused")
	}
	if got := testutil.ToFloat64(h.metrics.AcceptsThrottled); got != 1 {
		t.Errorf("throttled metric = %v, want 1", got)
	}
}

func TestRelay_Status(t *testing.T) {
	h := newHarness(t, offlineAdapter(t), func(c *Config) {
		c.Status.MOTD = "My;Relay"
		c.Status.MaxPlayers = 50
	})

	data, err := h.mt.Ping(context.Background(), relayAddr)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	st, err := ParseStatus(data)
	if err != nil {
		t.Fatalf("ParseStatus(%q): %v", data, err)
	}
	newest := codec.DefaultTable().Newest()
	if st.Edition != "MCPE" || st.MOTD != "MyRelay" || st.Max != 50 || st.Online != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Protocol != newest.Protocol || st.Version != newest.GameVersion {
		t.Errorf("status version = %d/%s, want %d/%s", st.Protocol, st.Version, newest.Protocol, newest.GameVersion)
	}

	dialClient(t, h)
	waitFor(t, "online count", func() bool {
		data, _ := h.mt.Ping(context.Background(), relayAddr)
		st, err := ParseStatus(data)
		return err == nil && st.Online == 1
	})

	stats := h.relay.Stats()
	if stats.Sessions != 1 || stats.SessionsTotal != 1 || stats.AuthMode != "offline" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Status
		wantErr bool
	}{
		{
			name: "full",
			in:   "MCPE;Dedicated Server;766;1.21.50;3;10;13253860892328930865;Bedrock level;Survival;1;19132;19133;",
			want: Status{
				Edition: "MCPE", MOTD: "Dedicated Server", Protocol: 766, Version: "1.21.50",
				Online: 3, Max: 10, ServerID: 13253860892328930865, SubMOTD: "Bedrock level",
				GameMode: "Survival", Port4: 19132, Port6: 19133,
			},
		},
		{
			name: "minimal",
			in:   "MCPE;Hi;748;1.21.40;0;5",
			want: Status{Edition: "MCPE", MOTD: "Hi", Protocol: 748, Version: "1.21.40", Max: 5},
		},
		{name: "short", in: "MCPE;Hi;748", wantErr: true},
		{name: "bad protocol", in: "MCPE;Hi;x;1.0;0;5", wantErr: true},
		{name: "bad count", in: "MCPE;Hi;748;1.0;many;5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatus([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedStatus) {
					t.Errorf("expected ErrMalformedStatus, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStatus: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	st := Status{Edition: "MCPE", MOTD: "a", Protocol: 1, Version: "v", Online: 1, Max: 2, ServerID: 3, SubMOTD: "s", GameMode: "g", Port4: 4, Port6: 6}
	again, err := ParseStatus(st.Marshal())
	if err != nil || again != st {
		t.Errorf("Marshal/ParseStatus = %+v, %v", again, err)
	}
}

type addrString string

func (a addrString) Network() string { return "test" }
func (a addrString) String() string  { return string(a) }

func TestAcceptLimiter(t *testing.T) {
	l, err := newAcceptLimiter(0.001, 2)
	if err != nil {
		t.Fatalf("newAcceptLimiter: %v", err)
	}
	a := addrString("10.0.0.1:5000")
	b := addrString("10.0.0.1:5001")
	other := addrString("10.0.0.2:5000")

	if !l.Allow(a) || !l.Allow(b) {
		t.Fatal("burst not allowed")
	}
	if l.Allow(a) {
		t.Error("third accept from the same IP allowed")
	}
	if !l.Allow(other) {
		t.Error("other IP throttled")
	}

	var unlimited *acceptLimiter
	if !unlimited.Allow(a) {
		t.Error("nil limiter refused")
	}
	if l, _ := newAcceptLimiter(0, 0); l != nil {
		t.Error("zero rate should disable the limiter")
	}
}
