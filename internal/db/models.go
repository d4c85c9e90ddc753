// Package db persists users, invites, reserved usernames, VM settings,
// server settings, and the recording index behind a Store consumed by the
// server. SQLite is the default dialect; a postgres DSN selects Postgres.
package db

import "time"

// User is a registered account.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique login name.
	Password string `gorm:"type:text;not null"`             // bcrypt hash.

	TOTPSecret string `gorm:"type:text"`              // Base32 TOTP key, empty when 2FA is off.
	Admin      bool   `gorm:"not null;default:false"` // Admin capability flag.
	Disabled   bool   `gorm:"not null;default:false"` // Login disable flag.

	SessionID []byte `gorm:"type:blob"` // Active session id; one session per account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Invite is a one-time credential allowing account creation, optionally
// binding a username and admin status.
type Invite struct {
	ID []byte `gorm:"type:blob;primaryKey"` // UUID bytes.

	Name     string `gorm:"type:text;not null"`     // Label shown to admins.
	Username string `gorm:"type:text"`              // Bound username, empty when unbound.
	Admin    bool   `gorm:"not null;default:false"` // Whether redemption grants admin.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// ReservedUsername blocks a name from guest allocation and registration.
type ReservedUsername struct {
	Username string `gorm:"type:text;primaryKey"` // Reserved name, stored lowercase.
}

// VMSettingRow holds one packed setting slot of one VM.
type VMSettingRow struct {
	VMID  uint32 `gorm:"primaryKey;autoIncrement:false;column:vm_id"` // Owning VM.
	Kind  uint8  `gorm:"primaryKey;autoIncrement:false"`              // Setting slot.
	Value []byte `gorm:"type:blob;not null"`                          // Encoded setting payload.
}

// ServerSettingRow holds one packed global setting slot.
type ServerSettingRow struct {
	Kind  uint8  `gorm:"primaryKey;autoIncrement:false"` // Setting slot.
	Value []byte `gorm:"type:blob;not null"`             // Encoded setting payload.
}

// VMRecord allocates VM ids.
type VMRecord struct {
	ID        uint32    `gorm:"primaryKey;autoIncrement"` // VM id.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`  // Creation timestamp.
}

// Recording is one finished (or in-progress) recording file of a VM.
type Recording struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VMID    uint32 `gorm:"not null;index:idx_recordings_vm_time;column:vm_id"` // Owning VM.
	Path    string `gorm:"type:text;not null"`                                 // File path on disk.
	StartMs uint64 `gorm:"not null;index:idx_recordings_vm_time"`              // First timestamp covered.
	StopMs  uint64 `gorm:"not null"`                                           // Last timestamp; 0 while recording.
}
