package protocol

// ServerTag identifies a server-to-client message.
type ServerTag uint8

const (
	ServerConnectResult    ServerTag = 0x81
	ServerCaptchaRequired  ServerTag = 0x82
	ServerChat             ServerTag = 0x83
	ServerChatResponse     ServerTag = 0x84
	ServerNewChatChannel   ServerTag = 0x85
	ServerUsernameChanged  ServerTag = 0x86
	ServerUsernameTaken    ServerTag = 0x87
	ServerUserList         ServerTag = 0x88
	ServerAdminUserList    ServerTag = 0x89
	ServerUserListAdd      ServerTag = 0x8A
	ServerAdminUserListAdd ServerTag = 0x8B
	ServerUserListRemove   ServerTag = 0x8C
	ServerTurnInfo         ServerTag = 0x8D
	ServerVoteStatus       ServerTag = 0x8E
	ServerVoteResult       ServerTag = 0x8F
	ServerGuac             ServerTag = 0x90
	ServerLoginResult      ServerTag = 0x91
	ServerRegisterResult   ServerTag = 0x92
	ServerPasswordResult   ServerTag = 0x93
	ServerVMList           ServerTag = 0x94
	ServerAdminVMList      ServerTag = 0x95
	ServerVMThumbnail      ServerTag = 0x96
	ServerVMCreated        ServerTag = 0x97
	ServerVMConfig         ServerTag = 0x98
	ServerConfig           ServerTag = 0x99
	ServerInviteList       ServerTag = 0x9A
	ServerInviteResult     ServerTag = 0x9B
	ServerInviteValidation ServerTag = 0x9C
	ServerReservedNames    ServerTag = 0x9D
	ServerKeyframe         ServerTag = 0x9E
	ServerRecordingPreview ServerTag = 0x9F
	ServerRecordingResult  ServerTag = 0xA0
	ServerSessionEnded     ServerTag = 0xA1
)

// UserType classifies a session's privilege level.
type UserType uint8

const (
	UserTypeGuest UserType = iota
	UserTypeRegular
	UserTypeAdmin
)

// LoginResult codes.
type LoginResultCode uint8

const (
	LoginSuccess LoginResultCode = iota
	LoginInvalidCredentials
	LoginInvalidCaptcha
	LoginTwoFactorRequired
	LoginTwoFactorFailed
	LoginAccountDisabled
)

// RegisterResult codes.
type RegisterResultCode uint8

const (
	RegisterSuccess RegisterResultCode = iota
	RegisterUsernameTaken
	RegisterUsernameInvalid
	RegisterPasswordInvalid
	RegisterTOTPKeyInvalid
	RegisterInvalidCaptcha
	RegisterInviteInvalid
	RegisterDisabled
)

// ChatResponse codes.
type ChatResponseCode uint8

const (
	ChatOK ChatResponseCode = iota
	ChatUserNotFound
	ChatLimitReached
	ChatRecipientLimitReached
)

// ChatEntry is one chat-room message as carried on the wire.
type ChatEntry struct {
	Sender    string
	Type      UserType
	Text      string
	Timestamp uint64 // unix ms
}

// UserEntry is one channel member in a user-list message.
type UserEntry struct {
	Username string
	Type     UserType
	IPHi     uint64 // admin list only
	IPLo     uint64
}

// VMInfo is the public listing entry for one VM.
type VMInfo struct {
	ID          uint32
	Name        string
	Description string
	Online      uint32
}

// AdminVMInfo is the admin listing entry for one VM.
type AdminVMInfo struct {
	ID      uint32
	Name    string
	State   uint8 // 0 stopped, 1 starting, 2 running
	Online  uint32
	Address string
}

// InviteEntry is one invite row in an invite-list message.
type InviteEntry struct {
	ID       []byte
	Name     string
	Username string
	Admin    bool
}

func msgEncoder(tag ServerTag) *Encoder {
	e := NewEncoderWithCap(64)
	e.WriteByte(byte(tag))
	return e
}

func finish(e *Encoder) []byte {
	out := make([]byte, e.Len())
	copy(out, e.Bytes())
	return out
}

// EncodeConnectResult builds the reply to connect-to-channel, including the
// channel's recent chat history on success.
func EncodeConnectResult(channel uint32, success bool, history []ChatEntry) []byte {
	e := msgEncoder(ServerConnectResult)
	e.WriteUint32(channel)
	e.WriteBool(success)
	e.WriteUvarint(uint64(len(history)))
	for _, m := range history {
		encodeChatEntry(e, m)
	}
	return finish(e)
}

func encodeChatEntry(e *Encoder, m ChatEntry) {
	e.WriteString(m.Sender)
	e.WriteByte(byte(m.Type))
	e.WriteString(m.Text)
	e.WriteUint64(m.Timestamp)
}

// EncodeCaptchaRequired tells the client whether mutations are gated on a
// CAPTCHA token.
func EncodeCaptchaRequired(required bool) []byte {
	e := msgEncoder(ServerCaptchaRequired)
	e.WriteBool(required)
	return finish(e)
}

// EncodeChat broadcasts one chat message on a channel (or a direct chat id).
func EncodeChat(channel uint32, m ChatEntry) []byte {
	e := msgEncoder(ServerChat)
	e.WriteUint32(channel)
	encodeChatEntry(e, m)
	return finish(e)
}

// EncodeChatResponse reports a domain error (or success) for a chat send.
func EncodeChatResponse(code ChatResponseCode) []byte {
	e := msgEncoder(ServerChatResponse)
	e.WriteByte(byte(code))
	return finish(e)
}

// EncodeNewChatChannel announces a new direct chat id to one participant.
func EncodeNewChatChannel(channel uint32, username string) []byte {
	e := msgEncoder(ServerNewChatChannel)
	e.WriteUint32(channel)
	e.WriteString(username)
	return finish(e)
}

// EncodeUsernameChanged broadcasts a rename through a channel.
func EncodeUsernameChanged(channel uint32, oldName, newName string) []byte {
	e := msgEncoder(ServerUsernameChanged)
	e.WriteUint32(channel)
	e.WriteString(oldName)
	e.WriteString(newName)
	return finish(e)
}

// EncodeUsernameTaken rejects a rename.
func EncodeUsernameTaken() []byte {
	return finish(msgEncoder(ServerUsernameTaken))
}

// EncodeUserList carries the full member list of a channel.
func EncodeUserList(channel uint32, users []UserEntry) []byte {
	return encodeUserList(ServerUserList, channel, users, false)
}

// EncodeAdminUserList is the admin variant of EncodeUserList and includes
// member IP addresses.
func EncodeAdminUserList(channel uint32, users []UserEntry) []byte {
	return encodeUserList(ServerAdminUserList, channel, users, true)
}

func encodeUserList(tag ServerTag, channel uint32, users []UserEntry, withIP bool) []byte {
	e := msgEncoder(tag)
	e.WriteUint32(channel)
	e.WriteUvarint(uint64(len(users)))
	for _, u := range users {
		e.WriteString(u.Username)
		e.WriteByte(byte(u.Type))
		if withIP {
			e.WriteUint64(u.IPHi)
			e.WriteUint64(u.IPLo)
		}
	}
	return finish(e)
}

// EncodeUserListAdd broadcasts a single join.
func EncodeUserListAdd(channel uint32, u UserEntry) []byte {
	e := msgEncoder(ServerUserListAdd)
	e.WriteUint32(channel)
	e.WriteString(u.Username)
	e.WriteByte(byte(u.Type))
	return finish(e)
}

// EncodeAdminUserListAdd is the admin variant of EncodeUserListAdd.
func EncodeAdminUserListAdd(channel uint32, u UserEntry) []byte {
	e := msgEncoder(ServerAdminUserListAdd)
	e.WriteUint32(channel)
	e.WriteString(u.Username)
	e.WriteByte(byte(u.Type))
	e.WriteUint64(u.IPHi)
	e.WriteUint64(u.IPLo)
	return finish(e)
}

// EncodeUserListRemove broadcasts a single leave.
func EncodeUserListRemove(channel uint32, username string) []byte {
	e := msgEncoder(ServerUserListRemove)
	e.WriteUint32(channel)
	e.WriteString(username)
	return finish(e)
}

// EncodeTurnInfo broadcasts the turn queue: the holder first, then waiting
// users in order. timeRemaining is milliseconds left for the holder.
func EncodeTurnInfo(channel uint32, timeRemainingMs uint32, paused bool, users []string) []byte {
	e := msgEncoder(ServerTurnInfo)
	e.WriteUint32(channel)
	e.WriteUint32(timeRemainingMs)
	e.WriteBool(paused)
	e.WriteUvarint(uint64(len(users)))
	for _, u := range users {
		e.WriteString(u)
	}
	return finish(e)
}

// EncodeVoteStatus broadcasts running vote counts.
func EncodeVoteStatus(channel uint32, timeRemainingMs uint32, yes, no uint32) []byte {
	e := msgEncoder(ServerVoteStatus)
	e.WriteUint32(channel)
	e.WriteUint32(timeRemainingMs)
	e.WriteUint32(yes)
	e.WriteUint32(no)
	return finish(e)
}

// EncodeVoteResult broadcasts the vote outcome.
func EncodeVoteResult(channel uint32, passed bool) []byte {
	e := msgEncoder(ServerVoteResult)
	e.WriteUint32(channel)
	e.WriteBool(passed)
	return finish(e)
}

// EncodeGuac forwards one Guacamole instruction to viewers.
func EncodeGuac(instr []byte) []byte {
	e := msgEncoder(ServerGuac)
	e.WriteLenBytes(instr)
	return finish(e)
}

// EncodeLoginResult replies to a login or two-factor attempt. The session
// id is present only on success.
func EncodeLoginResult(code LoginResultCode, sessionID []byte, username string) []byte {
	e := msgEncoder(ServerLoginResult)
	e.WriteByte(byte(code))
	e.WriteLenBytes(sessionID)
	e.WriteString(username)
	return finish(e)
}

// EncodeRegisterResult replies to an account registration attempt.
func EncodeRegisterResult(code RegisterResultCode, sessionID []byte, username string) []byte {
	e := msgEncoder(ServerRegisterResult)
	e.WriteByte(byte(code))
	e.WriteLenBytes(sessionID)
	e.WriteString(username)
	return finish(e)
}

// EncodePasswordResult replies to a change-password request.
func EncodePasswordResult(success bool) []byte {
	e := msgEncoder(ServerPasswordResult)
	e.WriteBool(success)
	return finish(e)
}

// EncodeVMList carries the public VM listing.
func EncodeVMList(entries []VMInfo) []byte {
	e := msgEncoder(ServerVMList)
	e.WriteUvarint(uint64(len(entries)))
	for _, v := range entries {
		e.WriteUint32(v.ID)
		e.WriteString(v.Name)
		e.WriteString(v.Description)
		e.WriteUint32(v.Online)
	}
	return finish(e)
}

// EncodeAdminVMList carries the admin VM listing.
func EncodeAdminVMList(entries []AdminVMInfo) []byte {
	e := msgEncoder(ServerAdminVMList)
	e.WriteUvarint(uint64(len(entries)))
	for _, v := range entries {
		e.WriteUint32(v.ID)
		e.WriteString(v.Name)
		e.WriteByte(v.State)
		e.WriteUint32(v.Online)
		e.WriteString(v.Address)
	}
	return finish(e)
}

// EncodeVMThumbnail carries one VM's PNG thumbnail.
func EncodeVMThumbnail(vm uint32, png []byte) []byte {
	e := msgEncoder(ServerVMThumbnail)
	e.WriteUint32(vm)
	e.WriteLenBytes(png)
	return finish(e)
}

// EncodeVMCreated replies to create-vm with the new id.
func EncodeVMCreated(vm uint32) []byte {
	e := msgEncoder(ServerVMCreated)
	e.WriteUint32(vm)
	return finish(e)
}

// EncodeVMConfig replies to read-vm-config.
func EncodeVMConfig(vm uint32, settings []VMSetting) []byte {
	e := msgEncoder(ServerVMConfig)
	e.WriteUint32(vm)
	encodeVMSettings(e, settings)
	return finish(e)
}

// EncodeServerConfig carries the server settings to admin viewers.
func EncodeServerConfig(settings []ServerSetting) []byte {
	e := msgEncoder(ServerConfig)
	encodeServerSettings(e, settings)
	return finish(e)
}

// EncodeInviteList carries all invites to an admin.
func EncodeInviteList(invites []InviteEntry) []byte {
	e := msgEncoder(ServerInviteList)
	e.WriteUvarint(uint64(len(invites)))
	for _, inv := range invites {
		e.WriteLenBytes(inv.ID)
		e.WriteString(inv.Name)
		e.WriteString(inv.Username)
		e.WriteBool(inv.Admin)
	}
	return finish(e)
}

// EncodeInviteResult replies to invite create/update/delete.
func EncodeInviteResult(success bool, id []byte) []byte {
	e := msgEncoder(ServerInviteResult)
	e.WriteBool(success)
	e.WriteLenBytes(id)
	return finish(e)
}

// EncodeInviteValidation replies to validate-invite with the bound username.
func EncodeInviteValidation(valid bool, username string) []byte {
	e := msgEncoder(ServerInviteValidation)
	e.WriteBool(valid)
	e.WriteString(username)
	return finish(e)
}

// EncodeReservedNames carries the reserved username list.
func EncodeReservedNames(names []string) []byte {
	e := msgEncoder(ServerReservedNames)
	e.WriteUvarint(uint64(len(names)))
	for _, n := range names {
		e.WriteString(n)
	}
	return finish(e)
}

// EncodeKeyframe is the marker written into recordings at keyframe points.
func EncodeKeyframe() []byte {
	return finish(msgEncoder(ServerKeyframe))
}

// EncodeRecordingPreview carries one playback-preview thumbnail.
func EncodeRecordingPreview(timestamp uint64, vm uint32, png []byte) []byte {
	e := msgEncoder(ServerRecordingPreview)
	e.WriteUint64(timestamp)
	e.WriteUint32(vm)
	e.WriteLenBytes(png)
	return finish(e)
}

// EncodeRecordingResult terminates a playback-preview response sequence.
func EncodeRecordingResult(ok bool) []byte {
	e := msgEncoder(ServerRecordingResult)
	e.WriteBool(ok)
	return finish(e)
}

// EncodeSessionEnded tells a client its session was invalidated by a newer
// login.
func EncodeSessionEnded() []byte {
	return finish(msgEncoder(ServerSessionEnded))
}

// PeekServerTag returns the tag of an encoded server message.
func PeekServerTag(msg []byte) (ServerTag, bool) {
	if len(msg) == 0 {
		return 0, false
	}
	return ServerTag(msg[0]), true
}

// DecodeGuacMessage extracts the instruction bytes from an encoded
// ServerGuac message. Used by the recording reader, which only needs to
// interpret display and sync instructions.
func DecodeGuacMessage(msg []byte) ([]byte, error) {
	d := NewDecoder(msg)
	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	if ServerTag(tag) != ServerGuac {
		return nil, ErrUnknownTag
	}
	return d.ReadLenBytes()
}
