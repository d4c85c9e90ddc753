package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/recording"
)

var (
	ErrUsernameTaken = errors.New("db: username taken")
	ErrInviteInvalid = errors.New("db: invite invalid")
	ErrNotFound      = errors.New("db: not found")
)

// LoginOutcome is the result of a credential check.
type LoginOutcome uint8

const (
	LoginOK LoginOutcome = iota
	LoginBadCredentials
	LoginNeedTwoFactor
	LoginDisabled
)

// LoginResult carries the account details the server needs after a
// successful (or two-factor pending) credential check.
type LoginResult struct {
	Outcome    LoginOutcome
	Username   string // canonical casing from the database
	Admin      bool
	TOTPSecret string // base32; set when Outcome is LoginNeedTwoFactor
}

// Store is the persistence layer behind the server. Methods are safe for
// concurrent use; the server funnels the bcrypt-heavy calls through a
// dedicated login executor.
type Store struct {
	conn *gorm.DB
}

// NewStore wraps an open connection.
func NewStore(conn *gorm.DB) *Store {
	return &Store{conn: conn}
}

// --- users ---

// Login checks a username/password pair. A user with a TOTP secret gets
// LoginNeedTwoFactor; the caller validates the code and then mints the
// session itself.
func (s *Store) Login(username, password string) (LoginResult, error) {
	var user User
	err := s.conn.Where("LOWER(username) = ?", strings.ToLower(username)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LoginResult{Outcome: LoginBadCredentials}, nil
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("db: login lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return LoginResult{Outcome: LoginBadCredentials}, nil
	}
	if user.Disabled {
		return LoginResult{Outcome: LoginDisabled}, nil
	}
	result := LoginResult{
		Outcome:  LoginOK,
		Username: user.Username,
		Admin:    user.Admin,
	}
	if user.TOTPSecret != "" {
		result.Outcome = LoginNeedTwoFactor
		result.TOTPSecret = user.TOTPSecret
	}
	return result, nil
}

// CreateAccount registers a new user. totpSecret is the base32-encoded key
// or empty.
func (s *Store) CreateAccount(username, password, totpSecret string, admin bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("db: hash password: %w", err)
	}
	user := User{
		Username:   username,
		Password:   string(hash),
		TOTPSecret: totpSecret,
		Admin:      admin,
	}
	return s.conn.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).
			Where("LOWER(username) = ?", strings.ToLower(username)).
			Count(&count).Error; err != nil {
			return fmt.Errorf("db: check username: %w", err)
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("db: create user: %w", err)
		}
		return nil
	})
}

// UsernameExists reports whether a registered account holds the name,
// case-insensitively.
func (s *Store) UsernameExists(username string) (bool, error) {
	var count int64
	err := s.conn.Model(&User{}).
		Where("LOWER(username) = ?", strings.ToLower(username)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("db: check username: %w", err)
	}
	return count > 0, nil
}

// ChangePassword verifies the old password and replaces it.
func (s *Store) ChangePassword(username, oldPassword, newPassword string) error {
	var user User
	err := s.conn.Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("db: password lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(oldPassword)) != nil {
		return ErrNotFound
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("db: hash password: %w", err)
	}
	if err := s.conn.Model(&user).Update("password", string(hash)).Error; err != nil {
		return fmt.Errorf("db: update password: %w", err)
	}
	return nil
}

// SetSessionID records the user's new active session id and returns the
// one it replaced, so the server can evict the prior session.
func (s *Store) SetSessionID(username string, sessionID []byte) (previous []byte, err error) {
	var user User
	if err := s.conn.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db: session lookup: %w", err)
	}
	previous = user.SessionID
	if err := s.conn.Model(&user).Update("session_id", sessionID).Error; err != nil {
		return nil, fmt.Errorf("db: update session id: %w", err)
	}
	return previous, nil
}

// --- invites ---

// CreateInvite mints a one-time registration credential. An empty username
// leaves the invite unbound.
func (s *Store) CreateInvite(name, username string, admin bool) ([]byte, error) {
	id := uuid.New()
	invite := Invite{
		ID:       id[:],
		Name:     name,
		Username: username,
		Admin:    admin,
	}
	if err := s.conn.Create(&invite).Error; err != nil {
		return nil, fmt.Errorf("db: create invite: %w", err)
	}
	return invite.ID, nil
}

// ReadInvites lists all invites.
func (s *Store) ReadInvites() ([]protocol.InviteEntry, error) {
	var invites []Invite
	if err := s.conn.Order("created_at").Find(&invites).Error; err != nil {
		return nil, fmt.Errorf("db: read invites: %w", err)
	}
	entries := make([]protocol.InviteEntry, len(invites))
	for i, inv := range invites {
		entries[i] = protocol.InviteEntry{
			ID:       inv.ID,
			Name:     inv.Name,
			Username: inv.Username,
			Admin:    inv.Admin,
		}
	}
	return entries, nil
}

// UpdateInvite rewrites an invite's bound username and admin flag.
func (s *Store) UpdateInvite(id []byte, username string, admin bool) error {
	res := s.conn.Model(&Invite{}).Where("id = ?", id).
		Updates(map[string]any{"username": username, "admin": admin})
	if res.Error != nil {
		return fmt.Errorf("db: update invite: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInvite removes an invite.
func (s *Store) DeleteInvite(id []byte) error {
	if err := s.conn.Where("id = ?", id).Delete(&Invite{}).Error; err != nil {
		return fmt.Errorf("db: delete invite: %w", err)
	}
	return nil
}

// ValidateInvite looks an invite up without consuming it.
func (s *Store) ValidateInvite(id []byte) (protocol.InviteEntry, error) {
	var invite Invite
	err := s.conn.Where("id = ?", id).First(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.InviteEntry{}, ErrInviteInvalid
	}
	if err != nil {
		return protocol.InviteEntry{}, fmt.Errorf("db: validate invite: %w", err)
	}
	return protocol.InviteEntry{
		ID:       invite.ID,
		Name:     invite.Name,
		Username: invite.Username,
		Admin:    invite.Admin,
	}, nil
}

// RedeemInvite consumes an invite atomically with account creation. The
// returned entry reflects the invite as it was before deletion.
func (s *Store) RedeemInvite(id []byte, username, password, totpSecret string) (protocol.InviteEntry, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return protocol.InviteEntry{}, fmt.Errorf("db: hash password: %w", err)
	}
	var entry protocol.InviteEntry
	err = s.conn.Transaction(func(tx *gorm.DB) error {
		var invite Invite
		if err := tx.Where("id = ?", id).First(&invite).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInviteInvalid
			}
			return fmt.Errorf("db: redeem lookup: %w", err)
		}
		name := username
		if invite.Username != "" {
			name = invite.Username
		}
		var count int64
		if err := tx.Model(&User{}).
			Where("LOWER(username) = ?", strings.ToLower(name)).
			Count(&count).Error; err != nil {
			return fmt.Errorf("db: check username: %w", err)
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		user := User{
			Username:   name,
			Password:   string(hash),
			TOTPSecret: totpSecret,
			Admin:      invite.Admin,
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("db: create user: %w", err)
		}
		if err := tx.Delete(&invite).Error; err != nil {
			return fmt.Errorf("db: consume invite: %w", err)
		}
		entry = protocol.InviteEntry{
			ID:       invite.ID,
			Name:     invite.Name,
			Username: name,
			Admin:    invite.Admin,
		}
		return nil
	})
	if err != nil {
		return protocol.InviteEntry{}, err
	}
	return entry, nil
}

// --- reserved usernames ---

// CreateReservedUsername blocks a name from guest use.
func (s *Store) CreateReservedUsername(username string) error {
	row := ReservedUsername{Username: strings.ToLower(username)}
	if err := s.conn.Create(&row).Error; err != nil {
		return fmt.Errorf("db: reserve username: %w", err)
	}
	return nil
}

// ReadReservedUsernames lists all reserved names.
func (s *Store) ReadReservedUsernames() ([]string, error) {
	var rows []ReservedUsername
	if err := s.conn.Order("username").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: read reserved usernames: %w", err)
	}
	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row.Username
	}
	return names, nil
}

// DeleteReservedUsername unblocks a name.
func (s *Store) DeleteReservedUsername(username string) error {
	if err := s.conn.Where("username = ?", strings.ToLower(username)).
		Delete(&ReservedUsername{}).Error; err != nil {
		return fmt.Errorf("db: delete reserved username: %w", err)
	}
	return nil
}

// --- VM settings ---

// VMConfig is one persisted VM and its full settings list.
type VMConfig struct {
	ID       uint32
	Settings []protocol.VMSetting
}

// CreateVM allocates a VM id and writes its settings rows.
func (s *Store) CreateVM(settings []protocol.VMSetting) (uint32, error) {
	record := VMRecord{}
	err := s.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("db: create vm: %w", err)
		}
		return writeVMSettingRows(tx, record.ID, settings)
	})
	if err != nil {
		return 0, err
	}
	return record.ID, nil
}

// LoadVMs reads every persisted VM with defaults filling any missing slots.
func (s *Store) LoadVMs() ([]VMConfig, error) {
	var records []VMRecord
	if err := s.conn.Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("db: load vms: %w", err)
	}
	var rows []VMSettingRow
	if err := s.conn.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: load vm settings: %w", err)
	}
	byVM := make(map[uint32][]protocol.VMSetting)
	for _, row := range rows {
		setting, err := protocol.UnmarshalVMSetting(row.Value)
		if err != nil {
			return nil, fmt.Errorf("db: vm %d setting %d: %w", row.VMID, row.Kind, err)
		}
		byVM[row.VMID] = append(byVM[row.VMID], setting)
	}
	configs := make([]VMConfig, 0, len(records))
	for _, record := range records {
		settings, err := protocol.MergeVMSettings(protocol.DefaultVMSettings(), byVM[record.ID])
		if err != nil {
			return nil, fmt.Errorf("db: vm %d settings: %w", record.ID, err)
		}
		configs = append(configs, VMConfig{ID: record.ID, Settings: settings})
	}
	return configs, nil
}

// UpdateVMSettings rewrites the settings rows of one VM.
func (s *Store) UpdateVMSettings(id uint32, settings []protocol.VMSetting) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("vm_id = ?", id).Delete(&VMSettingRow{}).Error; err != nil {
			return fmt.Errorf("db: clear vm settings: %w", err)
		}
		return writeVMSettingRows(tx, id, settings)
	})
}

// DeleteVM drops the VM row, its settings, and its recording index entries.
func (s *Store) DeleteVM(id uint32) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&VMRecord{}).Error; err != nil {
			return fmt.Errorf("db: delete vm: %w", err)
		}
		if err := tx.Where("vm_id = ?", id).Delete(&VMSettingRow{}).Error; err != nil {
			return fmt.Errorf("db: delete vm settings: %w", err)
		}
		if err := tx.Where("vm_id = ?", id).Delete(&Recording{}).Error; err != nil {
			return fmt.Errorf("db: delete vm recordings: %w", err)
		}
		return nil
	})
}

func writeVMSettingRows(tx *gorm.DB, id uint32, settings []protocol.VMSetting) error {
	for _, setting := range settings {
		row := VMSettingRow{
			VMID:  id,
			Kind:  uint8(setting.Kind),
			Value: protocol.MarshalVMSetting(setting),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("db: write vm setting %d: %w", setting.Kind, err)
		}
	}
	return nil
}

// --- server settings ---

// LoadServerSettings reads the global settings, defaults filling missing
// slots.
func (s *Store) LoadServerSettings() ([]protocol.ServerSetting, error) {
	var rows []ServerSettingRow
	if err := s.conn.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: load server settings: %w", err)
	}
	mods := make([]protocol.ServerSetting, 0, len(rows))
	for _, row := range rows {
		setting, err := protocol.UnmarshalServerSetting(row.Value)
		if err != nil {
			return nil, fmt.Errorf("db: server setting %d: %w", row.Kind, err)
		}
		mods = append(mods, setting)
	}
	return protocol.MergeServerSettings(protocol.DefaultServerSettings(), mods)
}

// SaveServerSettings upserts the given settings rows.
func (s *Store) SaveServerSettings(settings []protocol.ServerSetting) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		for _, setting := range settings {
			row := ServerSettingRow{
				Kind:  uint8(setting.Kind),
				Value: protocol.MarshalServerSetting(setting),
			}
			if err := tx.Where("kind = ?", row.Kind).Delete(&ServerSettingRow{}).Error; err != nil {
				return fmt.Errorf("db: clear server setting %d: %w", setting.Kind, err)
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("db: write server setting %d: %w", setting.Kind, err)
			}
		}
		return nil
	})
}

// --- recording index ---

// AddRecording registers a finished recording file.
func (s *Store) AddRecording(vmID uint32, path string, startMs, stopMs uint64) error {
	row := Recording{VMID: vmID, Path: path, StartMs: startMs, StopMs: stopMs}
	if err := s.conn.Create(&row).Error; err != nil {
		return fmt.Errorf("db: add recording: %w", err)
	}
	return nil
}

// GetRecordingFilePath implements recording.FileIndex: the newest file
// whose range covers t.
func (s *Store) GetRecordingFilePath(vmID uint32, t uint64) (string, uint64, uint64, error) {
	var row Recording
	err := s.conn.
		Where("vm_id = ? AND start_ms <= ? AND (stop_ms = 0 OR stop_ms >= ?)", vmID, t, t).
		Order("start_ms DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Fall forward to the next file so previews can cross gaps.
		err = s.conn.
			Where("vm_id = ? AND start_ms > ?", vmID, t).
			Order("start_ms").
			First(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, 0, recording.ErrNoRecording
	}
	if err != nil {
		return "", 0, 0, fmt.Errorf("db: recording lookup: %w", err)
	}
	return row.Path, row.StartMs, row.StopMs, nil
}
