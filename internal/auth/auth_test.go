package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/postalsys/bedrock-relay/internal/conn"
	"github.com/postalsys/bedrock-relay/internal/logging"
	"github.com/postalsys/bedrock-relay/internal/protocol"
	"github.com/postalsys/bedrock-relay/internal/relayerr"
	"github.com/postalsys/bedrock-relay/internal/target"
	"github.com/postalsys/bedrock-relay/internal/transport"
)

var testCodec = protocol.Codec{
	Protocol:    766,
	GameVersion: "1.21.50",
	Features:    protocol.FeatureCompressionPrefix | protocol.FeatureDisconnectReason | protocol.FeatureDisconnectFiltered | protocol.FeatureTransferReload,
}

type addr string

func (a addr) Network() string { return "test" }
func (a addr) String() string  { return string(a) }

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func pubB64(t *testing.T, k *ecdsa.PrivateKey) string {
	t.Helper()
	s, err := MarshalPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey: %v", err)
	}
	return s
}

func sign(t *testing.T, claims jwt.MapClaims, k *ecdsa.PrivateKey) string {
	t.Helper()
	s, err := Sign(claims, k)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return s
}

// issuedChain mimics the authentication service: a root-signed link
// delegating to an intermediate key, which signs the account's key.
func issuedChain(t *testing.T, root, account *ecdsa.PrivateKey) []string {
	t.Helper()
	mid := newKey(t)
	return []string{
		sign(t, jwt.MapClaims{"identityPublicKey": pubB64(t, mid), "certificateAuthority": true}, root),
		sign(t, jwt.MapClaims{
			"identityPublicKey": pubB64(t, account),
			"extraData":         map[string]any{"displayName": "Steve", "XUID": "2535400000000000"},
		}, mid),
	}
}

func clientLogin(t *testing.T, wrapped bool) *protocol.Login {
	t.Helper()
	k := newKey(t)
	chain := []string{sign(t, jwt.MapClaims{
		"identityPublicKey": pubB64(t, k),
		"extraData":         map[string]any{"displayName": "Alex"},
	}, k)}
	req := &Request{
		Chain:      chain,
		ClientData: sign(t, jwt.MapClaims{"SkinId": "custom", "ServerAddress": "relay.local:19132"}, k),
		Wrapped:    wrapped,
	}
	data, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return &protocol.Login{ClientProtocol: testCodec.Protocol, ConnectionRequest: data}
}

type fakeSession struct {
	up        *conn.Conn
	target    target.Address
	actx      *Context
	establish Establish
	connects  int
	activated chan *conn.Conn
	leftovers []protocol.Packet
}

func newFakeSession(t *testing.T) (*fakeSession, *conn.Conn) {
	t.Helper()
	a, b := transport.Pipe(addr("relay"), addr("client"))
	up := conn.New(a, testCodec)
	client := conn.New(b, testCodec)
	t.Cleanup(func() {
		up.Close()
		client.Close()
	})
	return &fakeSession{
		up:        up,
		target:    target.NewAddress("play.example.net", 19132),
		activated: make(chan *conn.Conn, 1),
	}, client
}

func (f *fakeSession) ID() string                { return "test-session" }
func (f *fakeSession) Upstream() *conn.Conn      { return f.up }
func (f *fakeSession) Target() target.Address    { return f.target }
func (f *fakeSession) Logger() *slog.Logger      { return logging.NopLogger() }
func (f *fakeSession) SetAuthContext(c *Context) { f.actx = c }

func (f *fakeSession) ConnectOutbound(e Establish) error {
	f.connects++
	f.establish = e
	return nil
}

func (f *fakeSession) Activate(down *conn.Conn, leftovers ...protocol.Packet) error {
	f.leftovers = leftovers
	f.activated <- down
	return nil
}

func TestRequest_RoundTrip(t *testing.T) {
	for _, wrapped := range []bool{false, true} {
		login := clientLogin(t, wrapped)
		req, err := ParseRequest(login.ConnectionRequest)
		if err != nil {
			t.Fatalf("ParseRequest(wrapped=%v): %v", wrapped, err)
		}
		if req.Wrapped != wrapped || len(req.Chain) != 1 || req.ClientData == "" {
			t.Errorf("ParseRequest(wrapped=%v) = %+v", wrapped, req)
		}
		again, err := req.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if string(again) != string(login.ConnectionRequest) {
			t.Errorf("re-encoded request differs (wrapped=%v)", wrapped)
		}
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x01, 0x00},
		{0xff, 0x00, 0x00, 0x00, '{'},
		{0x02, 0x00, 0x00, 0x00, '{', '}', 0x00, 0x00, 0x00, 0x00},
	}
	for i, data := range tests {
		if _, err := ParseRequest(data); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("case %d: expected ErrMalformedRequest, got %v", i, err)
		}
	}
}

func TestVerifyChain(t *testing.T) {
	root, account := newKey(t), newKey(t)
	chain := issuedChain(t, root, account)

	res, err := VerifyChain(chain, &root.PublicKey)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Rooted {
		t.Error("chain not rooted")
	}
	if !res.IdentityKey.Equal(&account.PublicKey) {
		t.Error("identity key is not the account key")
	}
	if extraData(res.Claims)["displayName"] != "Steve" {
		t.Errorf("claims = %v", res.Claims)
	}

	other := newKey(t)
	res, err = VerifyChain(chain, &other.PublicKey)
	if err != nil || res.Rooted {
		t.Errorf("foreign root: rooted=%v err=%v", res != nil && res.Rooted, err)
	}

	// A link signed by a key other than the previous identity key breaks the chain.
	broken := []string{chain[0], sign(t, jwt.MapClaims{"identityPublicKey": pubB64(t, account)}, other)}
	if _, err := VerifyChain(broken, &root.PublicKey); !errors.Is(err, ErrInvalidChain) {
		t.Errorf("broken chain: expected ErrInvalidChain, got %v", err)
	}

	tampered := chain[1][:len(chain[1])-4] + "AAAA"
	if _, err := VerifyChain([]string{chain[0], tampered}, &root.PublicKey); !errors.Is(err, ErrInvalidChain) {
		t.Errorf("tampered chain: expected ErrInvalidChain, got %v", err)
	}
}

func TestRootKey(t *testing.T) {
	if RootKey().Curve != elliptic.P384() {
		t.Error("root key is not P-384")
	}
}

func TestDeriveKey(t *testing.T) {
	server, client := newKey(t), newKey(t)
	salt := []byte("0123456789abcdef")

	token, err := ServerHandshake(server, salt)
	if err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
	got, err := DeriveKey(token, client)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	sp, _ := server.ECDH()
	cp, _ := client.PublicKey.ECDH()
	secret, err := sp.ECDH(cp)
	if err != nil {
		t.Fatalf("ECDH: %v", err)
	}
	want := sha256.Sum256(append(append([]byte{}, salt...), secret...))
	if got != want {
		t.Error("client and server derived different keys")
	}

	if _, err := DeriveKey("not.a.jwt", client); !errors.Is(err, ErrHandshake) {
		t.Errorf("expected ErrHandshake, got %v", err)
	}
}

func TestOnline_ExpiredAndRefreshFails(t *testing.T) {
	root, account := newKey(t), newKey(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	provider := NewStaticIdentityProvider(&Identity{
		Chain:      issuedChain(t, root, account),
		PrivateKey: account,
		ExpiresAt:  now.Add(-time.Minute),
	})
	provider.RefreshFunc = func(context.Context) (*Identity, error) {
		return nil, errors.New("refresh token revoked")
	}

	a := NewOnline(OnlineConfig{Provider: provider, RootKey: &root.PublicKey, Now: func() time.Time { return now }})
	s, _ := newFakeSession(t)

	err := a.HandleLogin(context.Background(), s, clientLogin(t, false))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Errorf("reason %q does not mention expiry", err)
	}
	if relayerr.KindOf(err) != relayerr.KindAuth {
		t.Errorf("kind = %s, want auth", relayerr.KindOf(err))
	}
	if s.connects != 0 {
		t.Errorf("connect attempted %d times, want 0", s.connects)
	}
}

func TestOnline_RefreshesExpiredIdentity(t *testing.T) {
	root, account := newKey(t), newKey(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	chain := issuedChain(t, root, account)
	provider := NewStaticIdentityProvider(&Identity{Chain: chain, PrivateKey: account, ExpiresAt: now.Add(-time.Minute)})
	refreshed := 0
	provider.RefreshFunc = func(context.Context) (*Identity, error) {
		refreshed++
		return &Identity{Chain: chain, PrivateKey: account, ExpiresAt: now.Add(time.Hour)}, nil
	}

	a := NewOnline(OnlineConfig{Provider: provider, RootKey: &root.PublicKey, Now: func() time.Time { return now }})
	s, _ := newFakeSession(t)
	if err := a.HandleLogin(context.Background(), s, clientLogin(t, false)); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}
	if refreshed != 1 || s.connects != 1 {
		t.Errorf("refreshed=%d connects=%d", refreshed, s.connects)
	}
	if s.actx == nil || s.actx.DisplayName != "Steve" || s.actx.Identity == nil {
		t.Errorf("auth context = %+v", s.actx)
	}
}

func TestOnline_UntrustedChain(t *testing.T) {
	root, account := newKey(t), newKey(t)
	provider := NewStaticIdentityProvider(&Identity{Chain: issuedChain(t, newKey(t), account), PrivateKey: account})
	a := NewOnline(OnlineConfig{Provider: provider, RootKey: &root.PublicKey})
	s, _ := newFakeSession(t)

	err := a.HandleLogin(context.Background(), s, clientLogin(t, false))
	if !errors.Is(err, ErrUntrustedChain) {
		t.Fatalf("expected ErrUntrustedChain, got %v", err)
	}
	if s.connects != 0 {
		t.Error("connect attempted with an untrusted chain")
	}
}

// fakeServer plays the server side of the login exchange.
func fakeServer(t *testing.T, c *conn.Conn, encrypt bool) <-chan *protocol.Login {
	t.Helper()
	logins := make(chan *protocol.Login, 1)
	go func() {
		pk, err := c.ReadPacket()
		if err != nil {
			return
		}
		rns, ok := pk.(*protocol.RequestNetworkSettings)
		if !ok {
			return
		}
		c.SetCodec(protocol.Codec{Protocol: rns.ClientProtocol, Features: testCodec.Features})
		c.WritePacketImmediate(&protocol.NetworkSettings{CompressionThreshold: 1, CompressionAlgorithm: protocol.CompressionFlate})
		c.EnableCompression(protocol.CompressionFlate, 1)

		pk, err = c.ReadPacket()
		if err != nil {
			return
		}
		login := pk.(*protocol.Login)

		if encrypt {
			req, _ := ParseRequest(login.ConnectionRequest)
			res, _ := VerifyChain(req.Chain, nil)
			serverKey, _ := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
			salt := []byte("server-salt-1234")
			token, _ := ServerHandshake(serverKey, salt)
			c.WritePacketImmediate(&protocol.ServerToClientHandshake{JWT: []byte(token)})

			sp, _ := serverKey.ECDH()
			cp, _ := res.IdentityKey.ECDH()
			secret, _ := sp.ECDH(cp)
			c.EnableEncryption(sha256.Sum256(append(append([]byte{}, salt...), secret...)))

			if pk, err := c.ReadPacket(); err != nil || pk.ID() != protocol.IDClientToServerHandshake {
				return
			}
		}
		c.WritePacketImmediate(&protocol.PlayStatus{Status: protocol.PlayStatusLoginSuccess})
		logins <- login
	}()
	return logins
}

func downstreamPair(t *testing.T) (*conn.Conn, *conn.Conn) {
	t.Helper()
	a, b := transport.Pipe(addr("relay-out"), addr("server"))
	down, server := conn.New(a, protocol.Codec{}), conn.New(b, protocol.Codec{})
	t.Cleanup(func() {
		down.Close()
		server.Close()
	})
	return down, server
}

func TestOffline_LoginAndHandshake(t *testing.T) {
	a, err := NewOffline(OfflineConfig{DisplayName: "RelayBot"})
	if err != nil {
		t.Fatalf("NewOffline: %v", err)
	}
	s, _ := newFakeSession(t)
	if err := a.HandleLogin(context.Background(), s, clientLogin(t, false)); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}
	if s.establish == nil {
		t.Fatal("ConnectOutbound not called")
	}

	down, server := downstreamPair(t)
	logins := fakeServer(t, server, true)

	if err := s.establish(context.Background(), down); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if got := <-s.activated; got != down {
		t.Error("session activated with a different connection")
	}

	login := <-logins
	req, err := ParseRequest(login.ConnectionRequest)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(req.Chain))
	}
	res, err := VerifyChain(req.Chain, nil)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	extra := extraData(res.Claims)
	if extra["displayName"] != "RelayBot" || extra["identity"] != OfflineUUID("RelayBot").String() || extra["XUID"] != "" {
		t.Errorf("extraData = %v", extra)
	}
	if !res.IdentityKey.Equal(a.PublicKey()) {
		t.Error("chain identity is not the adapter key")
	}

	cd, err := UnverifiedClaims(req.ClientData)
	if err != nil {
		t.Fatalf("client data: %v", err)
	}
	if cd["ServerAddress"] != "play.example.net:19132" || cd["SkinId"] != "custom" || cd["DeviceId"] == "" {
		t.Errorf("client data claims = %v", cd)
	}

	// The server's success status arrives after the handshake and is
	// left for the session's read loop.
	pk, err := down.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket after handshake: %v", err)
	}
	if ps, ok := pk.(*protocol.PlayStatus); !ok || ps.Failed() {
		t.Errorf("got %#v, want successful PlayStatus", pk)
	}
}

func TestOnline_ForgedLogin(t *testing.T) {
	root, account := newKey(t), newKey(t)
	provider := NewStaticIdentityProvider(&Identity{Chain: issuedChain(t, root, account), PrivateKey: account})
	a := NewOnline(OnlineConfig{Provider: provider, RootKey: &root.PublicKey})
	s, _ := newFakeSession(t)

	if err := a.HandleLogin(context.Background(), s, clientLogin(t, true)); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}
	down, server := downstreamPair(t)
	logins := fakeServer(t, server, true)
	if err := s.establish(context.Background(), down); err != nil {
		t.Fatalf("establish: %v", err)
	}
	<-s.activated

	req, err := ParseRequest((<-logins).ConnectionRequest)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !req.Wrapped {
		t.Error("login envelope was not preserved")
	}
	if len(req.Chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(req.Chain))
	}
	res, err := VerifyChain(req.Chain, &root.PublicKey)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Rooted || !res.IdentityKey.Equal(&account.PublicKey) {
		t.Errorf("forged chain rooted=%v", res.Rooted)
	}
}

func TestPassthrough_ForwardsOriginalLogin(t *testing.T) {
	a := NewPassthrough(nil)
	s, _ := newFakeSession(t)
	login := clientLogin(t, false)

	if err := a.HandleLogin(context.Background(), s, login); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}
	down, server := downstreamPair(t)
	logins := fakeServer(t, server, false)
	if err := s.establish(context.Background(), down); err != nil {
		t.Fatalf("establish: %v", err)
	}
	<-s.activated

	got := <-logins
	if string(got.ConnectionRequest) != string(login.ConnectionRequest) {
		t.Error("passthrough modified the login")
	}
	if s.actx.DisplayName != "Alex" {
		t.Errorf("DisplayName = %q", s.actx.DisplayName)
	}
}

func TestDownstreamLogin_Rejected(t *testing.T) {
	a := NewPassthrough(nil)
	s, client := newFakeSession(t)
	if err := a.HandleLogin(context.Background(), s, clientLogin(t, false)); err != nil {
		t.Fatalf("HandleLogin: %v", err)
	}

	down, server := downstreamPair(t)
	go func() {
		if _, err := server.ReadPacket(); err != nil {
			return
		}
		server.SetCodec(testCodec)
		server.WritePacketImmediate(&protocol.PlayStatus{Status: protocol.PlayStatusLoginFailedServerFull})
	}()

	err := s.establish(context.Background(), down)
	if !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
	pk, err := client.ReadPacket()
	if err != nil {
		t.Fatalf("client ReadPacket: %v", err)
	}
	if ps, ok := pk.(*protocol.PlayStatus); !ok || ps.Status != protocol.PlayStatusLoginFailedServerFull {
		t.Errorf("client got %#v", pk)
	}
}

func TestIdentityFile(t *testing.T) {
	root, account := newKey(t), newKey(t)
	id := &Identity{
		Chain:       issuedChain(t, root, account),
		PrivateKey:  account,
		ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		DisplayName: "Steve",
		XUID:        "2535400000000000",
	}
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := SaveIdentityFile(path, id); err != nil {
		t.Fatalf("SaveIdentityFile: %v", err)
	}

	p := NewFileIdentityProvider(path)
	got, err := p.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if !got.PrivateKey.Equal(account) || len(got.Chain) != 2 || !got.ExpiresAt.Equal(id.ExpiresAt) || got.XUID != id.XUID {
		t.Errorf("loaded identity = %+v", got)
	}

	if _, err := NewFileIdentityProvider(filepath.Join(t.TempDir(), "missing.json")).Identity(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFileIdentityProvider_Refresh(t *testing.T) {
	root, account := newKey(t), newKey(t)
	id := &Identity{
		Chain:       issuedChain(t, root, account),
		PrivateKey:  account,
		DisplayName: "Steve",
	}
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := SaveIdentityFile(path, id); err != nil {
		t.Fatalf("SaveIdentityFile: %v", err)
	}

	p := NewFileIdentityProvider(path)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Refresh(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Refresh: %v", err)
	}

	// An updated file replaces the cached identity
	id.DisplayName = "Alex"
	if err := SaveIdentityFile(path, id); err != nil {
		t.Fatalf("SaveIdentityFile: %v", err)
	}
	if _, err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, err := p.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if got.DisplayName != "Alex" {
		t.Errorf("DisplayName = %q, want Alex", got.DisplayName)
	}
}

func TestIdentityExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		expires time.Time
		want    bool
	}{
		{time.Time{}, false},
		{now.Add(time.Hour), false},
		{now, true},
		{now.Add(-time.Hour), true},
	}
	for _, tt := range tests {
		id := &Identity{ExpiresAt: tt.expires}
		if got := id.Expired(now); got != tt.want {
			t.Errorf("Expired(expires=%v) = %v, want %v", tt.expires, got, tt.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"online", "offline", "passthrough"} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
	}
	if _, err := ParseMode("xbox"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
