package protocol

import "fmt"

// ClientTag identifies a client-to-server message.
type ClientTag uint8

const (
	ClientConnectToChannel   ClientTag = 0x01
	ClientCaptchaCompleted   ClientTag = 0x02
	ClientTurnRequest        ClientTag = 0x03
	ClientVote               ClientTag = 0x04
	ClientGuacInstr          ClientTag = 0x05
	ClientChangeUsername     ClientTag = 0x06
	ClientChangePassword     ClientTag = 0x07
	ClientChatMessage        ClientTag = 0x08
	ClientVMListRequest      ClientTag = 0x09
	ClientLogin              ClientTag = 0x0A
	ClientTwoFactorResponse  ClientTag = 0x0B
	ClientRegister           ClientTag = 0x0C
	ClientServerConfig       ClientTag = 0x0D
	ClientServerConfigModify ClientTag = 0x0E
	ClientServerConfigHidden ClientTag = 0x0F
	ClientCreateVM           ClientTag = 0x10
	ClientReadVMs            ClientTag = 0x11
	ClientReadVMConfig       ClientTag = 0x12
	ClientUpdateVMConfig     ClientTag = 0x13
	ClientDeleteVM           ClientTag = 0x14
	ClientStartVMs           ClientTag = 0x15
	ClientStopVMs            ClientTag = 0x16
	ClientRestartVMs         ClientTag = 0x17
	ClientCreateInvite       ClientTag = 0x18
	ClientReadInvites        ClientTag = 0x19
	ClientUpdateInvite       ClientTag = 0x1A
	ClientDeleteInvite       ClientTag = 0x1B
	ClientValidateInvite     ClientTag = 0x1C
	ClientCreateReservedName ClientTag = 0x1D
	ClientReadReservedNames  ClientTag = 0x1E
	ClientDeleteReservedName ClientTag = 0x1F
	ClientBanIP              ClientTag = 0x20
	ClientSendCaptcha        ClientTag = 0x21
	ClientKickUser           ClientTag = 0x22
	ClientPauseTurnTimer     ClientTag = 0x23
	ClientResumeTurnTimer    ClientTag = 0x24
	ClientEndTurn            ClientTag = 0x25
	ClientRecordingPreview   ClientTag = 0x26
)

// ChatDestinationKind selects how a chat message is routed.
type ChatDestinationKind uint8

const (
	// ChatDestChannel routes to a VM channel, or the global lobby when the
	// channel id is 0.
	ChatDestChannel ChatDestinationKind = 0
	// ChatDestDirect routes to an already established direct chat by its
	// sender-local id.
	ChatDestDirect ChatDestinationKind = 1
	// ChatDestNewDirect establishes a new direct chat with the named user.
	ChatDestNewDirect ChatDestinationKind = 2
)

// ClientMessage is a decoded client-to-server message.
type ClientMessage interface {
	Tag() ClientTag
}

type ConnectToChannel struct{ Channel uint32 }

type CaptchaCompleted struct{ Token string }

type TurnRequest struct{}

type Vote struct{ Yes bool }

// GuacInstr carries one Guacamole instruction in its textual element form.
type GuacInstr struct{ Instr []byte }

type ChangeUsername struct{ Username string }

type ChangePassword struct{ Old, New string }

type ChatMessage struct {
	DestKind ChatDestinationKind
	Channel  uint32 // ChatDestChannel / ChatDestDirect
	Username string // ChatDestNewDirect
	Text     string
}

type VMListRequest struct{}

type Login struct {
	Username     string
	Password     string
	CaptchaToken string
}

type TwoFactorResponse struct{ Code string }

type Register struct {
	Username     string
	Password     string
	TOTPKey      []byte
	InviteID     []byte
	CaptchaToken string
}

type ServerConfigRequest struct{}

type ServerConfigModify struct{ Settings []ServerSetting }

type ServerConfigHidden struct{}

type CreateVM struct{ Settings []VMSetting }

type ReadVMs struct{}

type ReadVMConfig struct{ VM uint32 }

type UpdateVMConfig struct {
	VM       uint32
	Settings []VMSetting
}

type DeleteVM struct{ VM uint32 }

type StartVMs struct{ IDs []uint32 }

type StopVMs struct{ IDs []uint32 }

type RestartVMs struct{ IDs []uint32 }

type CreateInvite struct {
	Name     string
	Username string
	Admin    bool
}

type ReadInvites struct{}

type UpdateInvite struct {
	ID       []byte
	Username string
	Admin    bool
}

type DeleteInvite struct{ ID []byte }

type ValidateInvite struct{ ID []byte }

type CreateReservedName struct{ Username string }

type ReadReservedNames struct{}

type DeleteReservedName struct{ Username string }

// BanIP carries a 128-bit address; IPv4 addresses are IPv4-mapped IPv6.
type BanIP struct{ Hi, Lo uint64 }

type SendCaptcha struct {
	Username string
	Channel  uint32
}

type KickUser struct {
	Username string
	Channel  uint32
}

type PauseTurnTimer struct{}

type ResumeTurnTimer struct{}

type EndTurn struct{}

type RecordingPreview struct {
	VM           uint32
	StartMs      uint64
	StopMs       uint64
	Width        uint32
	Height       uint32
	TimeInterval uint64 // ms; 0 means keyframe stepping
}

func (ConnectToChannel) Tag() ClientTag    { return ClientConnectToChannel }
func (CaptchaCompleted) Tag() ClientTag    { return ClientCaptchaCompleted }
func (TurnRequest) Tag() ClientTag         { return ClientTurnRequest }
func (Vote) Tag() ClientTag                { return ClientVote }
func (GuacInstr) Tag() ClientTag           { return ClientGuacInstr }
func (ChangeUsername) Tag() ClientTag      { return ClientChangeUsername }
func (ChangePassword) Tag() ClientTag      { return ClientChangePassword }
func (ChatMessage) Tag() ClientTag         { return ClientChatMessage }
func (VMListRequest) Tag() ClientTag       { return ClientVMListRequest }
func (Login) Tag() ClientTag               { return ClientLogin }
func (TwoFactorResponse) Tag() ClientTag   { return ClientTwoFactorResponse }
func (Register) Tag() ClientTag            { return ClientRegister }
func (ServerConfigRequest) Tag() ClientTag { return ClientServerConfig }
func (ServerConfigModify) Tag() ClientTag  { return ClientServerConfigModify }
func (ServerConfigHidden) Tag() ClientTag  { return ClientServerConfigHidden }
func (CreateVM) Tag() ClientTag            { return ClientCreateVM }
func (ReadVMs) Tag() ClientTag             { return ClientReadVMs }
func (ReadVMConfig) Tag() ClientTag        { return ClientReadVMConfig }
func (UpdateVMConfig) Tag() ClientTag      { return ClientUpdateVMConfig }
func (DeleteVM) Tag() ClientTag            { return ClientDeleteVM }
func (StartVMs) Tag() ClientTag            { return ClientStartVMs }
func (StopVMs) Tag() ClientTag             { return ClientStopVMs }
func (RestartVMs) Tag() ClientTag          { return ClientRestartVMs }
func (CreateInvite) Tag() ClientTag        { return ClientCreateInvite }
func (ReadInvites) Tag() ClientTag         { return ClientReadInvites }
func (UpdateInvite) Tag() ClientTag        { return ClientUpdateInvite }
func (DeleteInvite) Tag() ClientTag        { return ClientDeleteInvite }
func (ValidateInvite) Tag() ClientTag      { return ClientValidateInvite }
func (CreateReservedName) Tag() ClientTag  { return ClientCreateReservedName }
func (ReadReservedNames) Tag() ClientTag   { return ClientReadReservedNames }
func (DeleteReservedName) Tag() ClientTag  { return ClientDeleteReservedName }
func (BanIP) Tag() ClientTag               { return ClientBanIP }
func (SendCaptcha) Tag() ClientTag         { return ClientSendCaptcha }
func (KickUser) Tag() ClientTag            { return ClientKickUser }
func (PauseTurnTimer) Tag() ClientTag      { return ClientPauseTurnTimer }
func (ResumeTurnTimer) Tag() ClientTag     { return ClientResumeTurnTimer }
func (EndTurn) Tag() ClientTag             { return ClientEndTurn }
func (RecordingPreview) Tag() ClientTag    { return ClientRecordingPreview }

// DecodeClientMessage decodes one client message from a wire payload.
// An unknown tag or malformed payload is a protocol violation; the caller
// is expected to close the connection.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	d := NewDecoder(data)
	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}

	msg, err := decodeClientPayload(ClientTag(tag), d)
	if err != nil {
		return nil, fmt.Errorf("decode tag 0x%02x: %w", tag, err)
	}
	return msg, nil
}

func decodeClientPayload(tag ClientTag, d *Decoder) (ClientMessage, error) {
	switch tag {
	case ClientConnectToChannel:
		ch, err := d.ReadUint32()
		return ConnectToChannel{Channel: ch}, err

	case ClientCaptchaCompleted:
		token, err := d.ReadString()
		return CaptchaCompleted{Token: token}, err

	case ClientTurnRequest:
		return TurnRequest{}, nil

	case ClientVote:
		yes, err := d.ReadBool()
		return Vote{Yes: yes}, err

	case ClientGuacInstr:
		instr, err := d.ReadLenBytes()
		return GuacInstr{Instr: instr}, err

	case ClientChangeUsername:
		name, err := d.ReadString()
		return ChangeUsername{Username: name}, err

	case ClientChangePassword:
		var m ChangePassword
		var err error
		if m.Old, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.New, err = d.ReadString()
		return m, err

	case ClientChatMessage:
		return decodeChatMessage(d)

	case ClientVMListRequest:
		return VMListRequest{}, nil

	case ClientLogin:
		var m Login
		var err error
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Password, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.CaptchaToken, err = d.ReadString()
		return m, err

	case ClientTwoFactorResponse:
		code, err := d.ReadString()
		return TwoFactorResponse{Code: code}, err

	case ClientRegister:
		var m Register
		var err error
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Password, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.TOTPKey, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
		if m.InviteID, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
		m.CaptchaToken, err = d.ReadString()
		return m, err

	case ClientServerConfig:
		return ServerConfigRequest{}, nil

	case ClientServerConfigModify:
		settings, err := decodeServerSettings(d)
		return ServerConfigModify{Settings: settings}, err

	case ClientServerConfigHidden:
		return ServerConfigHidden{}, nil

	case ClientCreateVM:
		settings, err := decodeVMSettings(d)
		return CreateVM{Settings: settings}, err

	case ClientReadVMs:
		return ReadVMs{}, nil

	case ClientReadVMConfig:
		vm, err := d.ReadUint32()
		return ReadVMConfig{VM: vm}, err

	case ClientUpdateVMConfig:
		var m UpdateVMConfig
		var err error
		if m.VM, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		m.Settings, err = decodeVMSettings(d)
		return m, err

	case ClientDeleteVM:
		vm, err := d.ReadUint32()
		return DeleteVM{VM: vm}, err

	case ClientStartVMs:
		ids, err := decodeIDList(d)
		return StartVMs{IDs: ids}, err

	case ClientStopVMs:
		ids, err := decodeIDList(d)
		return StopVMs{IDs: ids}, err

	case ClientRestartVMs:
		ids, err := decodeIDList(d)
		return RestartVMs{IDs: ids}, err

	case ClientCreateInvite:
		var m CreateInvite
		var err error
		if m.Name, err = d.ReadString(); err != nil {
			return nil, err
		}
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.Admin, err = d.ReadBool()
		return m, err

	case ClientReadInvites:
		return ReadInvites{}, nil

	case ClientUpdateInvite:
		var m UpdateInvite
		var err error
		if m.ID, err = d.ReadLenBytes(); err != nil {
			return nil, err
		}
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.Admin, err = d.ReadBool()
		return m, err

	case ClientDeleteInvite:
		id, err := d.ReadLenBytes()
		return DeleteInvite{ID: id}, err

	case ClientValidateInvite:
		id, err := d.ReadLenBytes()
		return ValidateInvite{ID: id}, err

	case ClientCreateReservedName:
		name, err := d.ReadString()
		return CreateReservedName{Username: name}, err

	case ClientReadReservedNames:
		return ReadReservedNames{}, nil

	case ClientDeleteReservedName:
		name, err := d.ReadString()
		return DeleteReservedName{Username: name}, err

	case ClientBanIP:
		var m BanIP
		var err error
		if m.Hi, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		m.Lo, err = d.ReadUint64()
		return m, err

	case ClientSendCaptcha:
		var m SendCaptcha
		var err error
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.Channel, err = d.ReadUint32()
		return m, err

	case ClientKickUser:
		var m KickUser
		var err error
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
		m.Channel, err = d.ReadUint32()
		return m, err

	case ClientPauseTurnTimer:
		return PauseTurnTimer{}, nil

	case ClientResumeTurnTimer:
		return ResumeTurnTimer{}, nil

	case ClientEndTurn:
		return EndTurn{}, nil

	case ClientRecordingPreview:
		var m RecordingPreview
		var err error
		if m.VM, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		if m.StartMs, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if m.StopMs, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if m.Width, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		if m.Height, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		m.TimeInterval, err = d.ReadUint64()
		return m, err

	default:
		return nil, ErrUnknownTag
	}
}

func decodeChatMessage(d *Decoder) (ClientMessage, error) {
	kind, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	m := ChatMessage{DestKind: ChatDestinationKind(kind)}
	switch m.DestKind {
	case ChatDestChannel, ChatDestDirect:
		if m.Channel, err = d.ReadUint32(); err != nil {
			return nil, err
		}
	case ChatDestNewDirect:
		if m.Username, err = d.ReadString(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownTag
	}
	m.Text, err = d.ReadString()
	return m, err
}

func decodeIDList(d *Decoder) ([]uint32, error) {
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, count)
	for i := range ids {
		if ids[i], err = d.ReadUint32(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// EncodeClientMessage encodes a client message for the wire. The server
// never sends these; this exists for the test and tooling side of the
// protocol.
func EncodeClientMessage(m ClientMessage) []byte {
	e := NewEncoder()
	e.WriteByte(byte(m.Tag()))
	switch v := m.(type) {
	case ConnectToChannel:
		e.WriteUint32(v.Channel)
	case CaptchaCompleted:
		e.WriteString(v.Token)
	case Vote:
		e.WriteBool(v.Yes)
	case GuacInstr:
		e.WriteLenBytes(v.Instr)
	case ChangeUsername:
		e.WriteString(v.Username)
	case ChangePassword:
		e.WriteString(v.Old)
		e.WriteString(v.New)
	case ChatMessage:
		e.WriteByte(byte(v.DestKind))
		if v.DestKind == ChatDestNewDirect {
			e.WriteString(v.Username)
		} else {
			e.WriteUint32(v.Channel)
		}
		e.WriteString(v.Text)
	case Login:
		e.WriteString(v.Username)
		e.WriteString(v.Password)
		e.WriteString(v.CaptchaToken)
	case TwoFactorResponse:
		e.WriteString(v.Code)
	case Register:
		e.WriteString(v.Username)
		e.WriteString(v.Password)
		e.WriteLenBytes(v.TOTPKey)
		e.WriteLenBytes(v.InviteID)
		e.WriteString(v.CaptchaToken)
	case ServerConfigModify:
		encodeServerSettings(e, v.Settings)
	case CreateVM:
		encodeVMSettings(e, v.Settings)
	case ReadVMConfig:
		e.WriteUint32(v.VM)
	case UpdateVMConfig:
		e.WriteUint32(v.VM)
		encodeVMSettings(e, v.Settings)
	case DeleteVM:
		e.WriteUint32(v.VM)
	case StartVMs:
		encodeIDList(e, v.IDs)
	case StopVMs:
		encodeIDList(e, v.IDs)
	case RestartVMs:
		encodeIDList(e, v.IDs)
	case CreateInvite:
		e.WriteString(v.Name)
		e.WriteString(v.Username)
		e.WriteBool(v.Admin)
	case UpdateInvite:
		e.WriteLenBytes(v.ID)
		e.WriteString(v.Username)
		e.WriteBool(v.Admin)
	case DeleteInvite:
		e.WriteLenBytes(v.ID)
	case ValidateInvite:
		e.WriteLenBytes(v.ID)
	case CreateReservedName:
		e.WriteString(v.Username)
	case DeleteReservedName:
		e.WriteString(v.Username)
	case BanIP:
		e.WriteUint64(v.Hi)
		e.WriteUint64(v.Lo)
	case SendCaptcha:
		e.WriteString(v.Username)
		e.WriteUint32(v.Channel)
	case KickUser:
		e.WriteString(v.Username)
		e.WriteUint32(v.Channel)
	case RecordingPreview:
		e.WriteUint32(v.VM)
		e.WriteUint64(v.StartMs)
		e.WriteUint64(v.StopMs)
		e.WriteUint32(v.Width)
		e.WriteUint32(v.Height)
		e.WriteUint64(v.TimeInterval)
	}
	return e.Bytes()
}

func encodeIDList(e *Encoder, ids []uint32) {
	e.WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		e.WriteUint32(id)
	}
}
