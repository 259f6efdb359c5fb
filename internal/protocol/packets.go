package protocol

// RequestNetworkSettings is the first packet a client sends. It announces
// the client's protocol version.
type RequestNetworkSettings struct {
	ClientProtocol int32

	Tail
}

func (*RequestNetworkSettings) ID() uint32 { return IDRequestNetworkSettings }

func (pk *RequestNetworkSettings) Marshal(w *Writer) { w.BEInt32(pk.ClientProtocol) }

func (pk *RequestNetworkSettings) Unmarshal(r *Reader) { pk.ClientProtocol = r.BEInt32() }

// Compression algorithms announced in NetworkSettings.
const (
	CompressionFlate  uint16 = 0
	CompressionSnappy uint16 = 1
	CompressionNone   uint16 = 0xffff
)

// NetworkSettings is the server's answer to RequestNetworkSettings. Batch
// compression starts right after it.
type NetworkSettings struct {
	CompressionThreshold    uint16
	CompressionAlgorithm    uint16
	ClientThrottle          bool
	ClientThrottleThreshold uint8
	ClientThrottleScalar    float32

	Tail
}

func (*NetworkSettings) ID() uint32 { return IDNetworkSettings }

func (pk *NetworkSettings) Marshal(w *Writer) {
	w.Uint16(pk.CompressionThreshold)
	w.Uint16(pk.CompressionAlgorithm)
	w.Bool(pk.ClientThrottle)
	w.Uint8(pk.ClientThrottleThreshold)
	w.Float32(pk.ClientThrottleScalar)
}

func (pk *NetworkSettings) Unmarshal(r *Reader) {
	pk.CompressionThreshold = r.Uint16()
	pk.CompressionAlgorithm = r.Uint16()
	pk.ClientThrottle = r.Bool()
	pk.ClientThrottleThreshold = r.Uint8()
	pk.ClientThrottleScalar = r.Float32()
}

// Login carries the client's protocol and its connection request: the
// identity chain JSON followed by the client data JWT.
type Login struct {
	ClientProtocol    int32
	ConnectionRequest []byte

	Tail
}

func (*Login) ID() uint32 { return IDLogin }

func (pk *Login) Marshal(w *Writer) {
	w.BEInt32(pk.ClientProtocol)
	w.ByteSlice(pk.ConnectionRequest)
}

func (pk *Login) Unmarshal(r *Reader) {
	pk.ClientProtocol = r.BEInt32()
	pk.ConnectionRequest = r.ByteSlice()
}

// PlayStatus values.
const (
	PlayStatusLoginSuccess int32 = iota
	PlayStatusLoginFailedClient
	PlayStatusLoginFailedServer
	PlayStatusPlayerSpawn
	PlayStatusLoginFailedInvalidTenant
	PlayStatusLoginFailedVanillaEdu
	PlayStatusLoginFailedEduVanilla
	PlayStatusLoginFailedServerFull
	PlayStatusLoginFailedEditorVanilla
	PlayStatusLoginFailedVanillaEditor
)

// PlayStatus reports login progress or failure.
type PlayStatus struct {
	Status int32

	Tail
}

func (*PlayStatus) ID() uint32 { return IDPlayStatus }

func (pk *PlayStatus) Marshal(w *Writer) { w.BEInt32(pk.Status) }

func (pk *PlayStatus) Unmarshal(r *Reader) { pk.Status = r.BEInt32() }

// Failed reports whether the status is a login failure.
func (pk *PlayStatus) Failed() bool {
	return pk.Status != PlayStatusLoginSuccess && pk.Status != PlayStatusPlayerSpawn
}

// ServerToClientHandshake carries a JWT with the server's public key and
// the salt used to derive the session key.
type ServerToClientHandshake struct {
	JWT []byte

	Tail
}

func (*ServerToClientHandshake) ID() uint32 { return IDServerToClientHandshake }

func (pk *ServerToClientHandshake) Marshal(w *Writer) { w.ByteSlice(pk.JWT) }

func (pk *ServerToClientHandshake) Unmarshal(r *Reader) { pk.JWT = r.ByteSlice() }

// ClientToServerHandshake confirms that the client has enabled encryption.
type ClientToServerHandshake struct {
	Tail
}

func (*ClientToServerHandshake) ID() uint32 { return IDClientToServerHandshake }

func (*ClientToServerHandshake) Marshal(*Writer) {}

func (*ClientToServerHandshake) Unmarshal(*Reader) {}

// DisconnectReasonUnknown is the generic reason code.
const DisconnectReasonUnknown int32 = 0

// Disconnect closes a session, optionally showing a message.
type Disconnect struct {
	Reason                  int32
	HideDisconnectionScreen bool
	Message                 string
	FilteredMessage         string

	Tail
}

func (*Disconnect) ID() uint32 { return IDDisconnect }

func (pk *Disconnect) Marshal(w *Writer) {
	c := w.Codec()
	if c.Has(FeatureDisconnectReason) {
		w.Varint32(pk.Reason)
	}
	w.Bool(pk.HideDisconnectionScreen)
	if pk.HideDisconnectionScreen {
		return
	}
	w.String(pk.Message)
	if c.Has(FeatureDisconnectFiltered) {
		w.String(pk.FilteredMessage)
	}
}

func (pk *Disconnect) Unmarshal(r *Reader) {
	c := r.Codec()
	if c.Has(FeatureDisconnectReason) {
		pk.Reason = r.Varint32()
	}
	pk.HideDisconnectionScreen = r.Bool()
	if pk.HideDisconnectionScreen {
		return
	}
	pk.Message = r.String()
	if c.Has(FeatureDisconnectFiltered) {
		pk.FilteredMessage = r.String()
	}
}

// Transfer moves the client to another server.
type Transfer struct {
	Address     string
	Port        uint16
	ReloadWorld bool

	Tail
}

func (*Transfer) ID() uint32 { return IDTransfer }

func (pk *Transfer) Marshal(w *Writer) {
	w.String(pk.Address)
	w.Uint16(pk.Port)
	if w.Codec().Has(FeatureTransferReload) {
		w.Bool(pk.ReloadWorld)
	}
}

func (pk *Transfer) Unmarshal(r *Reader) {
	pk.Address = r.String()
	pk.Port = r.Uint16()
	if r.Codec().Has(FeatureTransferReload) {
		pk.ReloadWorld = r.Bool()
	}
}

// Unknown is any packet the relay does not model. Its payload is carried
// byte for byte.
type Unknown struct {
	Header  Header
	Payload []byte
}

func (pk *Unknown) ID() uint32 { return pk.Header.PacketID }

func (pk *Unknown) Marshal(w *Writer) { w.Raw(pk.Payload) }

func (pk *Unknown) Unmarshal(r *Reader) { pk.Payload = r.Remaining() }
