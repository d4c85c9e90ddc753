package protocol

import "errors"

// ServerSettingKind indexes the slot a server setting occupies. The
// settings list always carries exactly one slot per kind.
type ServerSettingKind uint8

const (
	ServerSettingAllowRegistration ServerSettingKind = iota
	ServerSettingCaptcha
	ServerSettingCaptchaRequired
	ServerSettingMaxConnectionsEnabled
	ServerSettingMaxConnections
	ServerSettingBanIPCommand

	serverSettingKinds
)

// ServerSettingCount is the number of server setting slots.
const ServerSettingCount = int(serverSettingKinds)

// CaptchaSettings configures the external CAPTCHA provider.
type CaptchaSettings struct {
	Enabled bool
	URL     string
	Key     string
}

// ServerSetting is one tagged server setting variant.
type ServerSetting struct {
	Kind ServerSettingKind

	AllowRegistration     bool
	Captcha               CaptchaSettings
	CaptchaRequired       bool
	MaxConnectionsEnabled bool
	MaxConnections        uint32
	BanIPCommand          string
}

// DefaultServerSettings returns the full slot-per-kind settings list with
// default values.
func DefaultServerSettings() []ServerSetting {
	settings := make([]ServerSetting, ServerSettingCount)
	for i := range settings {
		settings[i].Kind = ServerSettingKind(i)
	}
	settings[ServerSettingMaxConnections].MaxConnections = 5
	return settings
}

// VMSettingKind indexes the slot a VM setting occupies.
type VMSettingKind uint8

const (
	VMSettingName VMSettingKind = iota
	VMSettingDescription
	VMSettingTurnTime
	VMSettingVoteTime
	VMSettingAutoStart
	VMSettingDisallowGuests
	VMSettingAddress
	VMSettingRecordings

	vmSettingKinds
)

// VMSettingCount is the number of VM setting slots.
const VMSettingCount = int(vmSettingKinds)

// RecordingSettings configures the recording engine for one VM.
type RecordingSettings struct {
	CaptureDisplay          bool
	CaptureInput            bool
	CaptureAudio            bool
	FileDurationMinutes     uint32
	KeyframeIntervalSeconds uint32
}

// VMSetting is one tagged VM setting variant.
type VMSetting struct {
	Kind VMSettingKind

	Name           string
	Description    string
	TurnTime       uint32 // seconds
	VoteTime       uint32 // seconds
	AutoStart      bool
	DisallowGuests bool
	Address        string
	Recordings     RecordingSettings
}

// DefaultVMSettings returns the full slot-per-kind settings list with
// default values.
func DefaultVMSettings() []VMSetting {
	settings := make([]VMSetting, VMSettingCount)
	for i := range settings {
		settings[i].Kind = VMSettingKind(i)
	}
	settings[VMSettingTurnTime].TurnTime = 20
	settings[VMSettingVoteTime].VoteTime = 60
	return settings
}

var (
	ErrInvalidSettingKind = errors.New("protocol: invalid setting kind")
	ErrInvalidTurnTime    = errors.New("protocol: turn time must be positive")
)

// ValidateVMSetting rejects setting values that would break the VM state
// machine. Turn time 0 would grant unbounded turns.
func ValidateVMSetting(s VMSetting) error {
	if int(s.Kind) >= VMSettingCount {
		return ErrInvalidSettingKind
	}
	if s.Kind == VMSettingTurnTime && s.TurnTime == 0 {
		return ErrInvalidTurnTime
	}
	return nil
}

// MergeVMSettings applies modifications onto a full slot-per-kind list,
// returning the merged copy. Applying the same modifications twice yields
// the same result.
func MergeVMSettings(base, mods []VMSetting) ([]VMSetting, error) {
	merged := make([]VMSetting, len(base))
	copy(merged, base)
	for _, mod := range mods {
		if err := ValidateVMSetting(mod); err != nil {
			return nil, err
		}
		merged[mod.Kind] = mod
	}
	return merged, nil
}

// MergeServerSettings applies modifications onto a full slot-per-kind list.
func MergeServerSettings(base, mods []ServerSetting) ([]ServerSetting, error) {
	merged := make([]ServerSetting, len(base))
	copy(merged, base)
	for _, mod := range mods {
		if int(mod.Kind) >= ServerSettingCount {
			return nil, ErrInvalidSettingKind
		}
		merged[mod.Kind] = mod
	}
	return merged, nil
}

func encodeServerSettings(e *Encoder, settings []ServerSetting) {
	e.WriteUvarint(uint64(len(settings)))
	for _, s := range settings {
		writeServerSetting(e, s)
	}
}

func writeServerSetting(e *Encoder, s ServerSetting) {
	e.WriteByte(byte(s.Kind))
	switch s.Kind {
	case ServerSettingAllowRegistration:
		e.WriteBool(s.AllowRegistration)
	case ServerSettingCaptcha:
		e.WriteBool(s.Captcha.Enabled)
		e.WriteString(s.Captcha.URL)
		e.WriteString(s.Captcha.Key)
	case ServerSettingCaptchaRequired:
		e.WriteBool(s.CaptchaRequired)
	case ServerSettingMaxConnectionsEnabled:
		e.WriteBool(s.MaxConnectionsEnabled)
	case ServerSettingMaxConnections:
		e.WriteUint32(s.MaxConnections)
	case ServerSettingBanIPCommand:
		e.WriteString(s.BanIPCommand)
	}
}

func decodeServerSettings(d *Decoder) ([]ServerSetting, error) {
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}
	settings := make([]ServerSetting, 0, count)
	for i := 0; i < count; i++ {
		s, err := readServerSetting(d)
		if err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, nil
}

func readServerSetting(d *Decoder) (ServerSetting, error) {
	kind, err := d.ReadByte()
	if err != nil {
		return ServerSetting{}, err
	}
	s := ServerSetting{Kind: ServerSettingKind(kind)}
	switch s.Kind {
	case ServerSettingAllowRegistration:
		s.AllowRegistration, err = d.ReadBool()
	case ServerSettingCaptcha:
		if s.Captcha.Enabled, err = d.ReadBool(); err != nil {
			return ServerSetting{}, err
		}
		if s.Captcha.URL, err = d.ReadString(); err != nil {
			return ServerSetting{}, err
		}
		s.Captcha.Key, err = d.ReadString()
	case ServerSettingCaptchaRequired:
		s.CaptchaRequired, err = d.ReadBool()
	case ServerSettingMaxConnectionsEnabled:
		s.MaxConnectionsEnabled, err = d.ReadBool()
	case ServerSettingMaxConnections:
		s.MaxConnections, err = d.ReadUint32()
	case ServerSettingBanIPCommand:
		s.BanIPCommand, err = d.ReadString()
	default:
		return ServerSetting{}, ErrInvalidSettingKind
	}
	if err != nil {
		return ServerSetting{}, err
	}
	return s, nil
}

func encodeVMSettings(e *Encoder, settings []VMSetting) {
	e.WriteUvarint(uint64(len(settings)))
	for _, s := range settings {
		writeVMSetting(e, s)
	}
}

func writeVMSetting(e *Encoder, s VMSetting) {
	e.WriteByte(byte(s.Kind))
	switch s.Kind {
	case VMSettingName:
		e.WriteString(s.Name)
	case VMSettingDescription:
		e.WriteString(s.Description)
	case VMSettingTurnTime:
		e.WriteUint32(s.TurnTime)
	case VMSettingVoteTime:
		e.WriteUint32(s.VoteTime)
	case VMSettingAutoStart:
		e.WriteBool(s.AutoStart)
	case VMSettingDisallowGuests:
		e.WriteBool(s.DisallowGuests)
	case VMSettingAddress:
		e.WriteString(s.Address)
	case VMSettingRecordings:
		e.WriteBool(s.Recordings.CaptureDisplay)
		e.WriteBool(s.Recordings.CaptureInput)
		e.WriteBool(s.Recordings.CaptureAudio)
		e.WriteUint32(s.Recordings.FileDurationMinutes)
		e.WriteUint32(s.Recordings.KeyframeIntervalSeconds)
	}
}

func decodeVMSettings(d *Decoder) ([]VMSetting, error) {
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}
	settings := make([]VMSetting, 0, count)
	for i := 0; i < count; i++ {
		s, err := readVMSetting(d)
		if err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, nil
}

func readVMSetting(d *Decoder) (VMSetting, error) {
	kind, err := d.ReadByte()
	if err != nil {
		return VMSetting{}, err
	}
	s := VMSetting{Kind: VMSettingKind(kind)}
	switch s.Kind {
	case VMSettingName:
		s.Name, err = d.ReadString()
	case VMSettingDescription:
		s.Description, err = d.ReadString()
	case VMSettingTurnTime:
		s.TurnTime, err = d.ReadUint32()
	case VMSettingVoteTime:
		s.VoteTime, err = d.ReadUint32()
	case VMSettingAutoStart:
		s.AutoStart, err = d.ReadBool()
	case VMSettingDisallowGuests:
		s.DisallowGuests, err = d.ReadBool()
	case VMSettingAddress:
		s.Address, err = d.ReadString()
	case VMSettingRecordings:
		if s.Recordings.CaptureDisplay, err = d.ReadBool(); err != nil {
			return VMSetting{}, err
		}
		if s.Recordings.CaptureInput, err = d.ReadBool(); err != nil {
			return VMSetting{}, err
		}
		if s.Recordings.CaptureAudio, err = d.ReadBool(); err != nil {
			return VMSetting{}, err
		}
		if s.Recordings.FileDurationMinutes, err = d.ReadUint32(); err != nil {
			return VMSetting{}, err
		}
		s.Recordings.KeyframeIntervalSeconds, err = d.ReadUint32()
	default:
		return VMSetting{}, ErrInvalidSettingKind
	}
	if err != nil {
		return VMSetting{}, err
	}
	return s, nil
}

// MarshalVMSetting packs one VM setting for row storage.
func MarshalVMSetting(s VMSetting) []byte {
	e := NewEncoderWithCap(32)
	writeVMSetting(e, s)
	return e.Bytes()
}

// UnmarshalVMSetting unpacks one VM setting from row storage.
func UnmarshalVMSetting(data []byte) (VMSetting, error) {
	d := NewDecoder(data)
	s, err := readVMSetting(d)
	if err != nil {
		return VMSetting{}, err
	}
	if !d.EOF() {
		return VMSetting{}, ErrTrailingData
	}
	return s, nil
}

// MarshalServerSetting packs one server setting for row storage.
func MarshalServerSetting(s ServerSetting) []byte {
	e := NewEncoderWithCap(32)
	writeServerSetting(e, s)
	return e.Bytes()
}

// UnmarshalServerSetting unpacks one server setting from row storage.
func UnmarshalServerSetting(data []byte) (ServerSetting, error) {
	d := NewDecoder(data)
	s, err := readServerSetting(d)
	if err != nil {
		return ServerSetting{}, err
	}
	if !d.EOF() {
		return ServerSetting{}, ErrTrailingData
	}
	return s, nil
}
